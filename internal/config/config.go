package config

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Config holds the main configuration for the application.
type Config struct {
	Version   string          `json:"version"             yaml:"version"`
	Server    ServerConfig    `json:"server,omitempty"    yaml:"server,omitempty"`
	Storage   StorageConfig   `json:"storage,omitempty"   yaml:"storage,omitempty"`
	Backend   BackendConfig   `json:"backend,omitempty"   yaml:"backend,omitempty"`
	Catalog   CatalogConfig   `json:"catalog,omitempty"   yaml:"catalog,omitempty"`
	Synthesis SynthesisConfig `json:"synthesis,omitempty" yaml:"synthesis,omitempty"`
	Sessions  SessionsConfig  `json:"sessions,omitempty"  yaml:"sessions,omitempty"`
	Logging   LoggingConfig   `json:"logging,omitempty"   yaml:"logging,omitempty"`
}

// ServerConfig holds listener configuration.
type ServerConfig struct {
	Host     string `json:"host,omitempty"      yaml:"host,omitempty"`
	HTTPPort int    `json:"http_port,omitempty" yaml:"http_port,omitempty"`
	GRPCPort int    `json:"grpc_port,omitempty" yaml:"grpc_port,omitempty"`
}

// StorageConfig holds on-disk locations.
type StorageConfig struct {
	// CacheDir keeps the materialised worker script.
	CacheDir string `json:"cache_dir,omitempty" yaml:"cache_dir,omitempty"`

	// TempDir receives per-request reference and output files.
	TempDir string `json:"temp_dir,omitempty" yaml:"temp_dir,omitempty"`
}

// BackendConfig configures the external synthesis library.
type BackendConfig struct {
	Provider         string        `json:"provider,omitempty"          yaml:"provider,omitempty"`
	Python           string        `json:"python,omitempty"            yaml:"python,omitempty"`
	Device           string        `json:"device,omitempty"            yaml:"device,omitempty"`
	ListTimeout      time.Duration `json:"list_timeout,omitempty"      yaml:"list_timeout,omitempty"`
	LoadTimeout      time.Duration `json:"load_timeout,omitempty"      yaml:"load_timeout,omitempty"`
	SynthesisTimeout time.Duration `json:"synthesis_timeout,omitempty" yaml:"synthesis_timeout,omitempty"`
}

// CatalogConfig controls model classification.
type CatalogConfig struct {
	Namespace      string   `json:"namespace,omitempty"       yaml:"namespace,omitempty"`
	CloningMarkers []string `json:"cloning_markers,omitempty" yaml:"cloning_markers,omitempty"`
}

// SynthesisConfig holds request limits and UI defaults.
type SynthesisConfig struct {
	Languages          []string `json:"languages,omitempty"            yaml:"languages,omitempty"`
	ReferenceSlots     []string `json:"reference_slots,omitempty"      yaml:"reference_slots,omitempty"`
	MaxTextLength      int      `json:"max_text_length,omitempty"      yaml:"max_text_length,omitempty"`
	MaxSampleBytes     int64    `json:"max_sample_bytes,omitempty"     yaml:"max_sample_bytes,omitempty"`
	DefaultText        string   `json:"default_text,omitempty"         yaml:"default_text,omitempty"`
	DefaultCloningText string   `json:"default_cloning_text,omitempty" yaml:"default_cloning_text,omitempty"`
}

// SessionsConfig controls browser session lifetime and throttling.
type SessionsConfig struct {
	TTL           time.Duration `json:"ttl,omitempty"             yaml:"ttl,omitempty"`
	SweepInterval time.Duration `json:"sweep_interval,omitempty"  yaml:"sweep_interval,omitempty"`
	RatePerMinute int           `json:"rate_per_minute,omitempty" yaml:"rate_per_minute,omitempty"`
	Burst         int           `json:"burst,omitempty"           yaml:"burst,omitempty"`
}

// LoggingConfig controls the rotating log file.
type LoggingConfig struct {
	ToFile bool   `json:"to_file,omitempty" yaml:"to_file,omitempty"`
	File   string `json:"file,omitempty"    yaml:"file,omitempty"`
}

// Addr returns the host:port for the HTTP listener.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.HTTPPort)
}

// GRPCAddr returns the host:port for the gRPC listener.
func (s ServerConfig) GRPCAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.GRPCPort)
}

// Normalize fills zero values from Default and cleans list entries.
func (c *Config) Normalize() {
	d := Default()

	if c.Version == "" {
		c.Version = d.Version
	}
	if c.Server.HTTPPort == 0 {
		c.Server.HTTPPort = d.Server.HTTPPort
	}
	if c.Server.GRPCPort == 0 {
		c.Server.GRPCPort = d.Server.GRPCPort
	}
	if c.Storage.CacheDir == "" {
		c.Storage.CacheDir = d.Storage.CacheDir
	}
	if c.Backend.Provider == "" {
		c.Backend.Provider = d.Backend.Provider
	}
	if c.Backend.Python == "" {
		c.Backend.Python = d.Backend.Python
	}
	c.Backend.Device = strings.ToLower(strings.TrimSpace(c.Backend.Device))
	if c.Backend.Device == "" {
		c.Backend.Device = d.Backend.Device
	}
	if c.Backend.ListTimeout <= 0 {
		c.Backend.ListTimeout = d.Backend.ListTimeout
	}
	if c.Backend.LoadTimeout <= 0 {
		c.Backend.LoadTimeout = d.Backend.LoadTimeout
	}
	if c.Backend.SynthesisTimeout <= 0 {
		c.Backend.SynthesisTimeout = d.Backend.SynthesisTimeout
	}
	if c.Catalog.Namespace == "" {
		c.Catalog.Namespace = d.Catalog.Namespace
	}
	c.Catalog.CloningMarkers = cleanList(c.Catalog.CloningMarkers, false)
	if len(c.Catalog.CloningMarkers) == 0 {
		c.Catalog.CloningMarkers = d.Catalog.CloningMarkers
	}
	c.Synthesis.Languages = cleanList(c.Synthesis.Languages, true)
	if len(c.Synthesis.Languages) == 0 {
		c.Synthesis.Languages = d.Synthesis.Languages
	}
	c.Synthesis.ReferenceSlots = cleanList(c.Synthesis.ReferenceSlots, true)
	if len(c.Synthesis.ReferenceSlots) == 0 {
		c.Synthesis.ReferenceSlots = d.Synthesis.ReferenceSlots
	}
	if c.Synthesis.MaxTextLength <= 0 {
		c.Synthesis.MaxTextLength = d.Synthesis.MaxTextLength
	}
	if c.Synthesis.MaxSampleBytes <= 0 {
		c.Synthesis.MaxSampleBytes = d.Synthesis.MaxSampleBytes
	}
	if c.Synthesis.DefaultText == "" {
		c.Synthesis.DefaultText = d.Synthesis.DefaultText
	}
	if c.Synthesis.DefaultCloningText == "" {
		c.Synthesis.DefaultCloningText = d.Synthesis.DefaultCloningText
	}
	if c.Sessions.TTL <= 0 {
		c.Sessions.TTL = d.Sessions.TTL
	}
	if c.Sessions.SweepInterval <= 0 {
		c.Sessions.SweepInterval = d.Sessions.SweepInterval
	}
	if c.Sessions.RatePerMinute <= 0 {
		c.Sessions.RatePerMinute = d.Sessions.RatePerMinute
	}
	if c.Sessions.Burst <= 0 {
		c.Sessions.Burst = d.Sessions.Burst
	}
	if c.Logging.File == "" {
		c.Logging.File = d.Logging.File
	}
}

// cleanList trims entries, drops empties and duplicates, optionally lowercasing.
func cleanList(in []string, lower bool) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if lower {
			s = strings.ToLower(s)
		}
		if s == "" || slices.Contains(out, s) {
			continue
		}
		out = append(out, s)
	}

	return out
}
