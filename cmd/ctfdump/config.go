package main

import (
	"errors"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/thebagchi/ctf-go/lib/medium"
)

// Config holds the ctfdump settings. A YAML config file sets them first;
// flags given on the command line win.
type Config struct {
	Metadata       string `yaml:"metadata"`
	LogLevel       string `yaml:"log_level"`
	MaxRequestSize int    `yaml:"max_request_size"`
	ChunkSize      int    `yaml:"chunk_size"`
	MetricsAddr    string `yaml:"metrics_addr"`
	Quiet          bool   `yaml:"quiet"`
}

func DefaultConfig() Config {
	return Config{
		LogLevel:       "info",
		MaxRequestSize: 4096,
		ChunkSize:      medium.DEFAULT_CHUNK_SIZE,
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if nil != err {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); nil != err {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch {
	case len(c.Metadata) == 0:
		return errors.New("trace metadata required")
	case c.MaxRequestSize <= 0:
		return fmt.Errorf("max request size must be positive, got %d", c.MaxRequestSize)
	case c.ChunkSize <= 0:
		return fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize)
	}
	return nil
}

// parseArgs returns the configuration and the stream files to decode.
func parseArgs(args []string) (Config, []string, error) {
	fs := flag.NewFlagSet("ctfdump", flag.ContinueOnError)
	var (
		configPath     = fs.String("config", "", "YAML config file")
		metadata       = fs.StringP("metadata", "m", "", "YAML trace description")
		logLevel       = fs.String("log-level", "info", "debug, info, warn or error")
		maxRequestSize = fs.Int("max-request-size", 4096, "bytes asked from a stream file at a time")
		chunkSize      = fs.Int("chunk-size", medium.DEFAULT_CHUNK_SIZE, "bytes a stream file returns at most per request")
		metricsAddr    = fs.String("metrics-addr", "", "serve prometheus metrics on this address until interrupted")
		quiet          = fs.BoolP("quiet", "q", false, "print the summary only")
	)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: ctfdump --metadata trace.yaml [flags] stream-file...")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); nil != err {
		return Config{}, nil, err
	}

	cfg := DefaultConfig()
	if len(*configPath) != 0 {
		var err error
		if cfg, err = LoadConfig(*configPath); nil != err {
			return cfg, nil, err
		}
	}
	if fs.Changed("metadata") {
		cfg.Metadata = *metadata
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}
	if fs.Changed("max-request-size") {
		cfg.MaxRequestSize = *maxRequestSize
	}
	if fs.Changed("chunk-size") {
		cfg.ChunkSize = *chunkSize
	}
	if fs.Changed("metrics-addr") {
		cfg.MetricsAddr = *metricsAddr
	}
	if fs.Changed("quiet") {
		cfg.Quiet = *quiet
	}
	if err := cfg.Validate(); nil != err {
		return cfg, nil, err
	}
	if fs.NArg() == 0 {
		return cfg, nil, errors.New("at least one stream file required")
	}
	return cfg, fs.Args(), nil
}
