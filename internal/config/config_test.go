package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.Capture.IntervalSeconds != 5 {
		t.Fatalf("expected interval_seconds 5, got %d", cfg.Capture.IntervalSeconds)
	}
	if cfg.Capture.ChangeThreshold != 3 {
		t.Fatalf("expected change_threshold 3, got %d", cfg.Capture.ChangeThreshold)
	}
	if !cfg.Capture.Enabled {
		t.Fatalf("expected capture enabled by default")
	}
	if cfg.Storage.RetentionDays != 90 {
		t.Fatalf("expected retention_days 90, got %d", cfg.Storage.RetentionDays)
	}
	if cfg.Storage.ScreenshotQuality != 80 {
		t.Fatalf("expected screenshot_quality 80, got %d", cfg.Storage.ScreenshotQuality)
	}
	if cfg.Ocr.TesseractLang != "eng" {
		t.Fatalf("expected tesseract_lang eng, got %q", cfg.Ocr.TesseractLang)
	}
}

func TestLoadFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := `
[capture]
interval_seconds = 10
change_threshold = 5
enabled = false

[storage]
base_dir = "/tmp/test-rewindos"
retention_days = 30

[ocr]
tesseract_lang = "deu"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := LoadFrom(path)
	require.NoError(t, err)

	require.Equal(t, uint32(10), cfg.Capture.IntervalSeconds)
	require.Equal(t, uint32(5), cfg.Capture.ChangeThreshold)
	require.False(t, cfg.Capture.Enabled)
	require.Equal(t, uint32(30), cfg.Storage.RetentionDays)
	require.Equal(t, "deu", cfg.Ocr.TesseractLang)

	// fields not specified in the file keep their defaults
	require.Equal(t, uint8(80), cfg.Storage.ScreenshotQuality)
	require.Equal(t, "system", cfg.Ui.Theme)
}

func TestResolveTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	cfg := Default()
	cfg.Storage.BaseDir = "~/.rewindos"
	base, err := cfg.BaseDir()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, ".rewindos"), base)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg := Default()
	cfg.Capture.IntervalSeconds = 42
	require.NoError(t, cfg.Save(path))

	reloaded, err := LoadFrom(path)
	require.NoError(t, err)
	require.Equal(t, uint32(42), reloaded.Capture.IntervalSeconds)
}
