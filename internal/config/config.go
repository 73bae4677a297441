// Package config loads and persists the single rewindos TOML config file,
// grounded on original_source/crates/rewindos-core/src/config.rs and on the
// teacher's defaults-then-override loader idiom (internal/config/loader.go).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"rewindos/internal/rerrors"
)

// AppConfig is the root configuration document, one TOML file per daemon
// instance living at <base_dir>/config.toml.
type AppConfig struct {
	Capture  CaptureConfig  `toml:"capture"`
	Storage  StorageConfig  `toml:"storage"`
	Privacy  PrivacyConfig  `toml:"privacy"`
	Ocr      OcrConfig      `toml:"ocr"`
	Ui       UiConfig       `toml:"ui"`
	Semantic SemanticConfig `toml:"semantic"`
	Chat     ChatConfig     `toml:"chat"`
	Focus    FocusConfig    `toml:"focus"`
}

type CaptureConfig struct {
	IntervalSeconds uint32 `toml:"interval_seconds"`
	ChangeThreshold uint32 `toml:"change_threshold"`
	Enabled         bool   `toml:"enabled"`
}

type StorageConfig struct {
	BaseDir           string `toml:"base_dir"`
	RetentionDays     uint32 `toml:"retention_days"`
	ScreenshotQuality uint8  `toml:"screenshot_quality"`
	ThumbnailWidth    uint32 `toml:"thumbnail_width"`
}

type PrivacyConfig struct {
	ExcludedApps          []string `toml:"excluded_apps"`
	ExcludedTitlePatterns []string `toml:"excluded_title_patterns"`
}

// IsExcluded reports whether a window with the given app name, title and
// window class should be skipped (the daemon drops such a frame right after
// grabbing it, so it never reaches the pipeline), per original_source's window_info::is_excluded: an app
// name or window class matching ExcludedApps case-insensitively, or a title
// containing any ExcludedTitlePatterns entry case-insensitively.
func (p PrivacyConfig) IsExcluded(appName, windowTitle, windowClass string) bool {
	for _, excluded := range p.ExcludedApps {
		excludedLower := strings.ToLower(excluded)
		if appName != "" && strings.ToLower(appName) == excludedLower {
			return true
		}
		if windowClass != "" && strings.ToLower(windowClass) == excludedLower {
			return true
		}
	}

	if windowTitle != "" {
		titleLower := strings.ToLower(windowTitle)
		for _, pattern := range p.ExcludedTitlePatterns {
			if strings.Contains(titleLower, strings.ToLower(pattern)) {
				return true
			}
		}
	}

	return false
}

type OcrConfig struct {
	Enabled       bool   `toml:"enabled"`
	TesseractLang string `toml:"tesseract_lang"`
	MaxWorkers    uint32 `toml:"max_workers"`
}

type UiConfig struct {
	GlobalHotkey string `toml:"global_hotkey"`
	Theme        string `toml:"theme"`
}

type SemanticConfig struct {
	Enabled             bool   `toml:"enabled"`
	OllamaURL           string `toml:"ollama_url"`
	Model               string `toml:"model"`
	EmbeddingDimensions int    `toml:"embedding_dimensions"`
}

type ChatConfig struct {
	Enabled            bool    `toml:"enabled"`
	OllamaURL          string  `toml:"ollama_url"`
	Model              string  `toml:"model"`
	MaxContextTokens   int     `toml:"max_context_tokens"`
	MaxHistoryMessages int     `toml:"max_history_messages"`
	Temperature        float32 `toml:"temperature"`
}

type FocusConfig struct {
	WorkMinutes             uint32              `toml:"work_minutes"`
	ShortBreakMinutes       uint32              `toml:"short_break_minutes"`
	LongBreakMinutes        uint32              `toml:"long_break_minutes"`
	SessionsBeforeLongBreak uint32              `toml:"sessions_before_long_break"`
	DailyGoalMinutes        uint32              `toml:"daily_goal_minutes"`
	DistractionApps         []string            `toml:"distraction_apps"`
	AutoStartBreaks         bool                `toml:"auto_start_breaks"`
	AutoStartWork           bool                `toml:"auto_start_work"`
	CategoryRules           map[string][]string `toml:"category_rules"`
}

// Default returns the built-in default configuration, matching
// original_source's per-struct Default impls field for field.
func Default() AppConfig {
	return AppConfig{
		Capture: CaptureConfig{
			IntervalSeconds: 5,
			ChangeThreshold: 3,
			Enabled:         true,
		},
		Storage: StorageConfig{
			BaseDir:           "~/.rewindos",
			RetentionDays:     90,
			ScreenshotQuality: 80,
			ThumbnailWidth:    320,
		},
		Privacy: PrivacyConfig{
			ExcludedApps: []string{
				"rewindos", "keepassxc", "1password", "bitwarden", "gnome-keyring",
			},
			ExcludedTitlePatterns: []string{
				"Private Browsing", "Incognito", "Lock Screen", "Screen Locker",
			},
		},
		Ocr: OcrConfig{
			Enabled:       true,
			TesseractLang: "eng",
			MaxWorkers:    2,
		},
		Ui: UiConfig{
			GlobalHotkey: "Ctrl+Shift+Space",
			Theme:        "system",
		},
		Semantic: SemanticConfig{
			Enabled:             false,
			OllamaURL:           "http://localhost:11434",
			Model:               "nomic-embed-text",
			EmbeddingDimensions: 768,
		},
		Chat: ChatConfig{
			Enabled:            true,
			OllamaURL:          "http://localhost:11434",
			Model:              "qwen2.5:3b",
			MaxContextTokens:   4096,
			MaxHistoryMessages: 20,
			Temperature:        0.3,
		},
		Focus: FocusConfig{
			WorkMinutes:             25,
			ShortBreakMinutes:       5,
			LongBreakMinutes:        15,
			SessionsBeforeLongBreak: 4,
			DailyGoalMinutes:        480,
			DistractionApps:         []string{"discord", "slack", "twitter", "reddit"},
			AutoStartBreaks:         true,
			AutoStartWork:           false,
			CategoryRules:           map[string][]string{},
		},
	}
}

// Load reads <default_base_dir>/config.toml, writing out the default
// document first if the file is missing.
func Load() (AppConfig, error) {
	base, err := DefaultBaseDir()
	if err != nil {
		return AppConfig{}, rerrors.New(rerrors.Config, "config.Load", err)
	}
	path := filepath.Join(base, "config.toml")

	if _, statErr := os.Stat(path); statErr == nil {
		return LoadFrom(path)
	}

	cfg := Default()
	if err := cfg.EnsureDirs(); err != nil {
		return AppConfig{}, rerrors.New(rerrors.Config, "config.Load", err)
	}
	if err := cfg.Save(path); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadFrom parses a specific TOML file, used for tests and custom setups.
func LoadFrom(path string) (AppConfig, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return AppConfig{}, rerrors.New(rerrors.Config, "config.LoadFrom", err)
	}
	cfg := Default()
	if err := toml.Unmarshal(contents, &cfg); err != nil {
		return AppConfig{}, rerrors.New(rerrors.Config, "config.LoadFrom", err)
	}
	return cfg, nil
}

// Save serializes cfg as pretty TOML to path.
func (c AppConfig) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return rerrors.New(rerrors.Config, "config.Save", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return rerrors.New(rerrors.Config, "config.Save", err)
	}
	return nil
}

// BaseDir resolves the configured storage.base_dir, expanding a leading "~".
func (c AppConfig) BaseDir() (string, error) {
	return resolveTilde(c.Storage.BaseDir)
}

// DefaultBaseDir returns "~/.rewindos", resolved against the real home dir.
func DefaultBaseDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".rewindos"), nil
}

func (c AppConfig) DBPath() (string, error) {
	base, err := c.BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "rewindos.db"), nil
}

func (c AppConfig) ScreenshotsDir() (string, error) {
	base, err := c.BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "screenshots"), nil
}

func (c AppConfig) LogsDir() (string, error) {
	base, err := c.BaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "logs"), nil
}

// EnsureDirs creates base_dir, screenshots/ and logs/ beneath it.
func (c AppConfig) EnsureDirs() error {
	base, err := c.BaseDir()
	if err != nil {
		return err
	}
	for _, dir := range []string{base, filepath.Join(base, "screenshots"), filepath.Join(base, "logs")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return rerrors.New(rerrors.IO, "config.EnsureDirs", err)
		}
	}
	return nil
}

func resolveTilde(path string) (string, error) {
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("could not determine home directory: %w", err)
		}
		return filepath.Join(home, rest), nil
	}
	if path == "~" {
		return os.UserHomeDir()
	}
	return path, nil
}
