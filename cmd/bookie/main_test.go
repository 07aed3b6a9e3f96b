package main

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/bookie/config"
)

func TestCreateLogger(t *testing.T) {
	testCases := []struct {
		name    string
		cfg     config.LoggingConfig
		wantErr bool
	}{
		{name: "stdout", cfg: config.LoggingConfig{Level: "info", Output: "stdout"}},
		{name: "none", cfg: config.LoggingConfig{Level: "DEBUG", Output: "none"}},
		{name: "file", cfg: config.LoggingConfig{Level: "warn", Output: "file", File: filepath.Join(t.TempDir(), "bookie.log")}},
		{name: "file without path", cfg: config.LoggingConfig{Level: "warn", Output: "file"}, wantErr: true},
		{name: "bad level", cfg: config.LoggingConfig{Level: "loud", Output: "stdout"}, wantErr: true},
		{name: "bad output", cfg: config.LoggingConfig{Level: "info", Output: "syslog"}, wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			logger, closer, err := createLogger(tc.cfg)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
			if closer != nil {
				assert.NoError(t, closer.Close())
			}
		})
	}
}

func TestInitTracerProvider(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tp, cleanup, err := initTracerProvider(config.TracingConfig{Enabled: false}, "b1:3181", logger)
	require.NoError(t, err)
	assert.NotNil(t, tp)
	cleanup()

	_, _, err = initTracerProvider(config.TracingConfig{Enabled: true, Protocol: "carrier-pigeon"}, "b1:3181", logger)
	assert.Error(t, err)
}
