package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"

	cenv "github.com/caarlos0/env/v11"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.yaml.in/yaml/v3"
)

const embeddedSchemaURL = "voxforge.v1.schema.json"

//go:embed voxforge.v1.schema.json
var embeddedSchema []byte

// envOverrides are applied on top of the file after validation.
type envOverrides struct {
	HTTPPort int    `env:"VOXFORGE_HTTP_PORT"`
	GRPCPort int    `env:"VOXFORGE_GRPC_PORT"`
	Python   string `env:"VOXFORGE_PYTHON"`
	Device   string `env:"VOXFORGE_DEVICE"`
	TempDir  string `env:"VOXFORGE_TEMP_DIR"`
	CacheDir string `env:"VOXFORGE_CACHE_DIR"`
}

// LoadAndValidate loads and validates the configuration. An empty schemaPath
// uses the schema compiled into the binary.
func LoadAndValidate(path, schemaPath string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read config: %w", err)
	}

	return Parse(data, schemaPath)
}

// Parse validates raw YAML and decodes it over the defaults.
func Parse(data []byte, schemaPath string) (*Config, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: invalid YAML: %w", err)
	}

	schema, err := compileSchema(schemaPath)
	if err != nil {
		return nil, fmt.Errorf("config: failed to compile schema: %w", err)
	}

	if err := schema.Validate(raw); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal into Config struct: %w", err)
	}

	if err := ApplyEnv(config); err != nil {
		return nil, err
	}
	config.Normalize()

	return config, nil
}

// LoadDefault returns the built-in defaults with environment overrides applied.
func LoadDefault() (*Config, error) {
	config := Default()
	if err := ApplyEnv(config); err != nil {
		return nil, err
	}
	config.Normalize()

	return config, nil
}

// ApplyEnv overrides cfg with values from VOXFORGE_* variables.
func ApplyEnv(cfg *Config) error {
	var o envOverrides
	if err := cenv.Parse(&o); err != nil {
		return fmt.Errorf("config: failed to parse environment: %w", err)
	}

	if o.HTTPPort != 0 {
		cfg.Server.HTTPPort = o.HTTPPort
	}
	if o.GRPCPort != 0 {
		cfg.Server.GRPCPort = o.GRPCPort
	}
	if o.Python != "" {
		cfg.Backend.Python = o.Python
	}
	if o.Device != "" {
		cfg.Backend.Device = o.Device
	}
	if o.TempDir != "" {
		cfg.Storage.TempDir = o.TempDir
	}
	if o.CacheDir != "" {
		cfg.Storage.CacheDir = o.CacheDir
	}

	return nil
}

func compileSchema(schemaPath string) (*jsonschema.Schema, error) {
	if schemaPath != "" {
		return jsonschema.Compile(schemaPath)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(embeddedSchemaURL, bytes.NewReader(embeddedSchema)); err != nil {
		return nil, err
	}

	return compiler.Compile(embeddedSchemaURL)
}
