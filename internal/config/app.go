package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// BackendConfig selects and parameterizes the persistence driver.
type BackendConfig struct {
	// Driver is one of memory, sqlite, postgres. Defaults to sqlite.
	Driver string `yaml:"driver"`
	// Path is the database file for the sqlite driver.
	Path string `yaml:"path"`
	// DSN is the connection string for the postgres driver.
	DSN string `yaml:"dsn"`
}

// BlobConfig selects and parameterizes the blob driver.
type BlobConfig struct {
	// Driver is one of fs, s3, memory. Empty disables blob storage.
	Driver string `yaml:"driver"`
	// Root is the directory for the fs driver.
	Root string `yaml:"root"`

	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"pathStyle"`
}

// App is the daemon configuration.
type App struct {
	// SchemaPath points at the store descriptor YAML (see LoadFile).
	SchemaPath string `yaml:"schemaPath"`
	// MetricsAddr is the listen address for /metrics and /healthz.
	MetricsAddr string `yaml:"metricsAddr"`
	// AccountStore overrides the store treated as the user account store.
	AccountStore string `yaml:"accountStore"`
	// SynchronousPropagation runs the post-write phase inline.
	SynchronousPropagation bool `yaml:"synchronousPropagation"`

	Backend BackendConfig `yaml:"backend"`
	Blob    BlobConfig    `yaml:"blob"`
}

// LoadApp reads the daemon configuration file and applies defaults.
func LoadApp(path string) (App, error) {
	app := App{
		MetricsAddr: ":9477",
		Backend:     BackendConfig{Driver: "sqlite"},
	}
	if path == "" {
		return app, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return App{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, &app); err != nil {
		return App{}, fmt.Errorf("parse config: %w", err)
	}
	if app.Backend.Driver == "" {
		app.Backend.Driver = "sqlite"
	}
	if app.MetricsAddr == "" {
		app.MetricsAddr = ":9477"
	}
	return app, nil
}
