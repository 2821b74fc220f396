// ctfdump decodes CTF stream files and prints their notifications.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	ctf "github.com/thebagchi/ctf-go"
	"github.com/thebagchi/ctf-go/lib/ctfir"
	"github.com/thebagchi/ctf-go/lib/medium"
	"github.com/thebagchi/ctf-go/lib/notit"
)

func main() {
	cfg, files, err := parseArgs(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if nil != err {
		fmt.Fprintln(os.Stderr, "Error: ", err)
		os.Exit(2)
	}
	logger, err := newLogger(cfg.LogLevel)
	if nil != err {
		fmt.Fprintln(os.Stderr, "Error: ", err)
		os.Exit(2)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, files, logger, os.Stdout); nil != err {
		logger.Error("ctfdump failed", zap.Error(err))
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if nil != err {
		return nil, err
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = lvl
	cfg.DisableStacktrace = true
	return cfg.Build()
}

type summary struct {
	packets int64
	events  int64
}

func run(ctx context.Context, cfg Config, files []string, logger *zap.Logger, out io.Writer) error {
	trace, err := ctf.Parse(cfg.Metadata)
	if nil != err {
		return err
	}
	logger.Debug("loaded trace",
		zap.String("name", trace.Name),
		zap.Int("stream_classes", trace.StreamClassCount()),
	)

	var srv *http.Server
	if len(cfg.MetricsAddr) != 0 {
		srv = serveMetrics(cfg.MetricsAddr, logger)
	}

	var opened []*medium.File
	defer func() {
		if err := medium.CloseAll(opened); nil != err {
			logger.Warn("closing stream files", zap.Error(err))
		}
	}()
	for _, path := range files {
		f, err := medium.OpenFile(path, medium.WithChunkSize(cfg.ChunkSize), medium.WithLogger(logger))
		if nil != err {
			return err
		}
		opened = append(opened, f)

		s, err := dump(ctx, trace, f, cfg, logger, out)
		if nil != err {
			return err
		}
		fmt.Fprintf(out, "%s: %s packets, %s events, %s\n", path,
			humanize.Comma(s.packets), humanize.Comma(s.events), humanize.IBytes(uint64(f.Size())))
	}

	if srv != nil {
		logger.Info("serving metrics until interrupted", zap.String("addr", cfg.MetricsAddr))
		<-ctx.Done()
		return srv.Shutdown(context.Background())
	}
	return nil
}

func dump(ctx context.Context, trace *ctfir.Trace, f *medium.File, cfg Config, logger *zap.Logger, out io.Writer) (summary, error) {
	var s summary
	it, err := notit.New(trace, cfg.MaxRequestSize, f, notit.WithLogger(logger.With(zap.String("file", f.Path()))))
	if nil != err {
		return s, err
	}
	for {
		if err := ctx.Err(); nil != err {
			return s, err
		}
		n, err := it.Next()
		switch {
		case errors.Is(err, io.EOF):
			return s, nil
		case errors.Is(err, notit.ErrAgain):
			continue
		case nil != err:
			return s, fmt.Errorf("%s: packet at byte %d: %w", f.Path(), it.CurrentPacketOffset(), err)
		}
		switch n.(type) {
		case *notit.PacketBeginning:
			s.packets++
		case *notit.EventNotification:
			s.events++
		}
		if !cfg.Quiet {
			fmt.Fprintln(out, n)
		}
	}
}

func serveMetrics(addr string, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); nil != err && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", zap.Error(err))
		}
	}()
	return srv
}
