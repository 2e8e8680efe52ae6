package env

import (
	"os"
	"strings"

	"github.com/ekisa-team/voxforge/internal/envvar"
)

// Environment is the deployment environment the process runs in.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
	Test        Environment = "test"
)

// FromEnv reads the environment from VOXFORGE_ENV. Unknown or empty values
// fall back to development.
func FromEnv() Environment {
	return Parse(os.Getenv(envvar.VoxforgeEnv))
}

// Parse converts a raw value into an Environment.
func Parse(raw string) Environment {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production":
		return Production
	case "test", "testing":
		return Test
	default:
		return Development
	}
}

// IsProduction reports whether e is the production environment.
func (e Environment) IsProduction() bool {
	return e == Production
}

func (e Environment) String() string {
	return string(e)
}
