package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/thebagchi/ctf-go/lib/bitbuffer"
	"github.com/thebagchi/ctf-go/lib/notit"
)

const metadata = `
name: ctfdump
byte_order: le
packet_header:
  class: struct
  fields:
    - {name: magic, class: integer, size: 32}
streams:
  - id: 0
    packet_context:
      class: struct
      fields:
        - {name: content_size, class: integer, size: 32}
        - {name: packet_size, class: integer, size: 32}
    events:
      - id: 0
        name: greet
        fields:
          class: struct
          fields:
            - {name: who, class: string}
`

func write(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestParseArgs(t *testing.T) {
	dir := t.TempDir()
	config := write(t, dir, "ctfdump.yaml", []byte("metadata: trace.yaml\nchunk_size: 128\nquiet: true\n"))

	cfg, files, err := parseArgs([]string{"--config", config, "--chunk-size", "64", "a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, files)
	assert.Equal(t, Config{
		Metadata:       "trace.yaml",
		LogLevel:       "info",
		MaxRequestSize: 4096,
		ChunkSize:      64,
		Quiet:          true,
	}, cfg)

	cfg, _, err = parseArgs([]string{"-m", "other.yaml", "-q", "a"})
	require.NoError(t, err)
	assert.Equal(t, "other.yaml", cfg.Metadata)
	assert.True(t, cfg.Quiet)
	assert.Equal(t, DefaultConfig().ChunkSize, cfg.ChunkSize)
}

func TestParseArgsErrors(t *testing.T) {
	for name, args := range map[string][]string{
		"no metadata":    {"a"},
		"no stream file": {"-m", "trace.yaml"},
		"bad chunk size": {"-m", "trace.yaml", "--chunk-size", "0", "a"},
		"bad request":    {"-m", "trace.yaml", "--max-request-size", "-1", "a"},
		"missing config": {"--config", filepath.Join(t.TempDir(), "none.yaml"), "a"},
		"unknown flag":   {"--nope", "a"},
	} {
		t.Run(name, func(t *testing.T) {
			_, _, err := parseArgs(args)
			assert.Error(t, err)
		})
	}
}

func TestRun(t *testing.T) {
	dir := t.TempDir()
	w := bitbuffer.NewWriter()
	require.NoError(t, w.WriteLE(32, notit.PACKET_MAGIC))
	require.NoError(t, w.WriteLE(32, (12+4)*8))
	require.NoError(t, w.WriteLE(32, (12+4)*8))
	require.NoError(t, w.WriteString("ann"))

	cfg := DefaultConfig()
	cfg.Metadata = write(t, dir, "trace.yaml", []byte(metadata))
	stream := write(t, dir, "channel0_0", w.Bytes())

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), cfg, []string{stream}, zap.NewNop(), &out))
	assert.Contains(t, out.String(), `event: greet: {who = "ann"}`)
	assert.Contains(t, out.String(), stream+": 1 packets, 1 events, 16 B")

	out.Reset()
	cfg.Quiet = true
	require.NoError(t, run(context.Background(), cfg, []string{stream}, zap.NewNop(), &out))
	assert.Equal(t, stream+": 1 packets, 1 events, 16 B\n", out.String())
}

func TestRunReportsDecodingErrors(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Metadata = write(t, dir, "trace.yaml", []byte(metadata))
	stream := write(t, dir, "broken", []byte{0xde, 0xad, 0xbe, 0xef, 0, 0, 0, 0, 0, 0, 0, 0})

	err := run(context.Background(), cfg, []string{stream}, zap.NewNop(), &bytes.Buffer{})
	require.ErrorIs(t, err, notit.ErrMalformed)
	assert.Contains(t, err.Error(), "packet magic")
}
