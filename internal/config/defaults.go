package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// DefaultLanguages are the language codes accepted in voice cloning mode.
var DefaultLanguages = []string{
	"en", "es", "fr", "de", "it", "pt", "pl",
	"tr", "ru", "nl", "cs", "ar", "zh-cn", "ja",
}

// DefaultHTTPPort returns the default HTTP port.
func DefaultHTTPPort() int {
	return 8501
}

// DefaultGRPCPort returns the default gRPC port.
func DefaultGRPCPort() int {
	return 8502
}

// Default returns the built-in configuration used when no file is present.
func Default() *Config {
	return &Config{
		Version: "v1",
		Server: ServerConfig{
			HTTPPort: DefaultHTTPPort(),
			GRPCPort: DefaultGRPCPort(),
		},
		Storage: StorageConfig{
			CacheDir: DefaultCachePath(),
		},
		Backend: BackendConfig{
			Provider:         "coqui",
			Python:           "python3",
			Device:           "auto",
			ListTimeout:      2 * time.Minute,
			LoadTimeout:      15 * time.Minute,
			SynthesisTimeout: 5 * time.Minute,
		},
		Catalog: CatalogConfig{
			Namespace:      "tts_models/",
			CloningMarkers: []string{"your_tts", "xtts", "multi-dataset"},
		},
		Synthesis: SynthesisConfig{
			Languages:          append([]string(nil), DefaultLanguages...),
			ReferenceSlots:     []string{"male", "female"},
			MaxTextLength:      5000,
			MaxSampleBytes:     25 << 20,
			DefaultText:        "Hello! This is Coqui TTS. I can speak in different voices!",
			DefaultCloningText: "Hello! This is cloned voice speaking. How do I sound?",
		},
		Sessions: SessionsConfig{
			TTL:           2 * time.Hour,
			SweepInterval: 5 * time.Minute,
			RatePerMinute: 20,
			Burst:         3,
		},
		Logging: LoggingConfig{
			File: filepath.Join("logs", "voxforge.log"),
		},
	}
}

// DefaultConfigPath returns the default path for the voxforge config directory.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "voxforge", "config")
	}

	switch runtime.GOOS {
	case "windows":
		return filepath.Join(home, "AppData", "Roaming", "voxforge")
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "voxforge")
	default: // Linux, BSD, etc.
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, "voxforge")
		}
		return filepath.Join(home, ".config", "voxforge")
	}
}

// DefaultCachePath returns the default path for the voxforge cache directory.
func DefaultCachePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "voxforge", "cache")
	}

	switch runtime.GOOS {
	case "windows":
		return filepath.Join(home, "AppData", "Local", "voxforge", "cache")
	case "darwin":
		return filepath.Join(home, "Library", "Caches", "voxforge")
	default: // Linux, BSD, etc.
		if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
			return filepath.Join(xdg, "voxforge")
		}
		return filepath.Join(home, ".cache", "voxforge")
	}
}
