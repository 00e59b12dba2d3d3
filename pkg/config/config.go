package config

import (
	"os"
	"runtime"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/runlet/runlet/pkg/models"
)

// Config is the YAML-backed engine configuration. All fields are optional;
// zero values fall back to the defaults below.
type Config struct {
	Workers   int                       `yaml:"workers"`    // Worker pool size, default NumCPU
	QueueSize int                       `yaml:"queue_size"` // Pending invocation queue size
	DB        string                    `yaml:"db"`         // Postgres DSN for the run-history store ("" = in-memory)
	HTTPPort  string                    `yaml:"http_port"`  // Status server port
	Limits    []models.ConcurrencyLimit `yaml:"limits"`     // Limits provisioned at startup
}

const defaultQueueSize = 1024

func Default() Config {
	return Config{
		Workers:   runtime.NumCPU(),
		QueueSize: defaultQueueSize,
		HTTPPort:  "8080",
	}
}

// Load reads a YAML config file and fills in defaults for unset fields.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "read config %s", path)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "parse config %s", path)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	return cfg, nil
}
