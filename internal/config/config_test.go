package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Port:             9100,
		DatabasePath:     "./data/index.db",
		MediaRoot:        "./data/media",
		LogLevel:         "info",
		RequestTimeoutMs: 10000,
		ScanBucketWidth:  15,
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadPort(t *testing.T) {
	for _, port := range []int{0, -1, 70000} {
		cfg := validConfig()
		cfg.Port = port
		require.Error(t, cfg.Validate(), "port %d", port)
	}
}

func TestValidateRejectsEmptyPaths(t *testing.T) {
	cfg := validConfig()
	cfg.DatabasePath = ""
	require.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.MediaRoot = ""
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	cfg := validConfig()
	cfg.LogLevel = "verbose"
	require.Error(t, cfg.Validate())
}

func TestValidateRequestTimeoutBounds(t *testing.T) {
	cfg := validConfig()
	cfg.RequestTimeoutMs = 50
	require.Error(t, cfg.Validate())

	cfg.RequestTimeoutMs = 61000
	require.Error(t, cfg.Validate())

	cfg.RequestTimeoutMs = 100
	require.NoError(t, cfg.Validate())
}

func TestValidateScanBucketWidthMustDivideCircle(t *testing.T) {
	for _, width := range []int{0, 7, 11, 121, 360} {
		cfg := validConfig()
		cfg.ScanBucketWidth = width
		require.Error(t, cfg.Validate(), "width %d", width)
	}
	for _, width := range []int{1, 5, 15, 30, 45, 90, 120} {
		cfg := validConfig()
		cfg.ScanBucketWidth = width
		require.NoError(t, cfg.Validate(), "width %d", width)
	}
}
