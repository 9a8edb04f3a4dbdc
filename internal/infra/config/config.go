package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/you-humble/datacollector/internal/domain"
	"github.com/you-humble/datacollector/internal/pathres"

	"gopkg.in/yaml.v3"
)

const EnvPath = "COLLECTOR_CONFIG"

type Config struct {
	Addr            string        `yaml:"addr"`
	LogLevel        string        `yaml:"log_level"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	DataDir         string        `yaml:"data_dir"`

	TaskStore TaskStore `yaml:"task_store"`
	Transfer  Transfer  `yaml:"transfer"`

	Redis Redis `yaml:"redis"`
	NATS  NATS  `yaml:"nats"`

	Locations []domain.StorageLocation `yaml:"locations"`
	Providers []pathres.Provider       `yaml:"providers"`
}

type TaskStore struct {
	// Backend is "file" or "redis".
	Backend  string `yaml:"backend"`
	Path     string `yaml:"path"`
	RedisKey string `yaml:"redis_key"`
}

type Transfer struct {
	WorkersPerTask    int   `yaml:"workers_per_task"`
	MaxPerDestination int   `yaml:"max_per_destination"`
	Retry             Retry `yaml:"retry"`
}

type Retry struct {
	MaxRetries      int           `yaml:"max_retries"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type NATS struct {
	URL             string `yaml:"url"`
	Name            string `yaml:"name"`
	MaxReconnects   int    `yaml:"max_reconnects"`
	ProgressSubject string `yaml:"progress_subject"`
	StartSubject    string `yaml:"start_subject"`
	Stream          string `yaml:"stream"`
	Workers         int    `yaml:"workers"`
}

func (n NATS) Enabled() bool {
	return n.URL != ""
}

func (n NATS) QueueEnabled() bool {
	return n.Enabled() && n.StartSubject != ""
}

func Default() Config {
	return Config{
		Addr:            ":8080",
		LogLevel:        "info",
		ShutdownTimeout: 10 * time.Second,
		DataDir:         defaultDataDir(),
		TaskStore: TaskStore{
			Backend:  "file",
			RedisKey: "collector:collection_tasks",
		},
		Transfer: Transfer{
			WorkersPerTask:    1,
			MaxPerDestination: 2,
			Retry: Retry{
				MaxRetries:      5,
				InitialInterval: time.Second,
				MaxInterval:     30 * time.Second,
			},
		},
		NATS: NATS{
			Name:            "collector",
			MaxReconnects:   10,
			ProgressSubject: "collector.progress",
			Stream:          "COLLECTOR_TASKS",
			Workers:         2,
		},
	}
}

func defaultDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".collector"
	}
	return filepath.Join(dir, "datacollector")
}

// Load reads the yaml file on top of Default. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: cannot read file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: cannot unmarshal yaml: %w", err)
		}
	}

	if cfg.TaskStore.Path == "" {
		cfg.TaskStore.Path = filepath.Join(cfg.DataDir, "collection_tasks.json")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		log.Fatalf("%v", err)
	}
	return cfg
}

func (c *Config) Validate() error {
	var errs []error

	switch c.TaskStore.Backend {
	case "file":
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("config: redis.addr is empty for redis task store"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown task_store.backend %q", c.TaskStore.Backend))
	}

	if c.Transfer.WorkersPerTask <= 0 {
		errs = append(errs, fmt.Errorf("config: transfer.workers_per_task must be positive, got %d", c.Transfer.WorkersPerTask))
	}
	if c.Transfer.MaxPerDestination <= 0 {
		errs = append(errs, fmt.Errorf("config: transfer.max_per_destination must be positive, got %d", c.Transfer.MaxPerDestination))
	}
	if c.NATS.QueueEnabled() && c.NATS.Stream == "" {
		errs = append(errs, errors.New("config: nats.stream is empty"))
	}

	seen := make(map[string]struct{}, len(c.Locations))
	for i, l := range c.Locations {
		if l.ID == "" {
			errs = append(errs, fmt.Errorf("config: locations[%d].id is empty", i))
			continue
		}
		if _, ok := seen[l.ID]; ok {
			errs = append(errs, fmt.Errorf("config: duplicate location id %q", l.ID))
		}
		seen[l.ID] = struct{}{}

		switch l.Type {
		case domain.LocationLocal:
			if l.Path == "" {
				errs = append(errs, fmt.Errorf("config: location %q has empty path", l.ID))
			}
		case domain.LocationS3:
			if l.Bucket == "" || l.Endpoint == "" {
				errs = append(errs, fmt.Errorf("config: location %q needs bucket and endpoint", l.ID))
			}
		default:
			errs = append(errs, fmt.Errorf("config: location %q has unknown type %q", l.ID, l.Type))
		}
	}

	return errors.Join(errs...)
}

// Location returns the configured storage location with the given id.
func (c *Config) Location(id string) (domain.StorageLocation, bool) {
	for _, l := range c.Locations {
		if l.ID == id {
			return l, true
		}
	}
	return domain.StorageLocation{}, false
}
