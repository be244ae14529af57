package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"sharedlog/pkg/replication"
	"sharedlog/pkg/role"
)

var ErrInvalid = errors.New("config: invalid")

// Config - корневая структура конфигурации узла
// yaml и validate теги для парсинга и валидации
type Config struct {
	Logger    LoggerConfig    `yaml:"logger" validate:"required"`
	Server    ServerConfig    `yaml:"http-server" validate:"required"`
	Node      NodeConfig      `yaml:"node" validate:"required"`
	Storage   StorageConfig   `yaml:"storage" validate:"required"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Logs      []LogConfig     `yaml:"logs" validate:"required,dive"`
}

type LoggerConfig struct {
	Level string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	JSON  bool   `yaml:"json"`
}

type ServerConfig struct {
	Port              int           `yaml:"port" validate:"required,min=1,max=65535"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

type NodeConfig struct {
	// KeyFile holds the 32 byte identity seed, created on first start.
	KeyFile string `yaml:"key_file" validate:"required"`
	// Advertise is the base URL other peers reach this node at.
	Advertise string `yaml:"advertise"`
}

type StorageConfig struct {
	Backend string `yaml:"backend" validate:"required,oneof=memory badger sqlite"`
	Path    string `yaml:"path"`
}

type DiscoveryConfig struct {
	ZKServers []string `yaml:"zk_servers"`
	ZKRoot    string   `yaml:"zk_root"`
	// Peers is "id=addr,..." for static clusters.
	Peers string `yaml:"peers"`
}

type LogConfig struct {
	Name string `yaml:"name" validate:"required"`
	// Role is "replicator" or "observer".
	Role        string       `yaml:"role" validate:"required,oneof=replicator observer"`
	// Factor is the starting factor, 1 when unset. An explicit 0 keeps the
	// replicator out of the ring until its role changes.
	Factor      *float64     `yaml:"factor" validate:"omitempty,min=0,max=1"`
	Fixed       bool         `yaml:"fixed"`
	MemoryLimit string       `yaml:"memory_limit"`
	Replicas    string       `yaml:"replicas"`
	MaxReplicas string       `yaml:"max_replicas"`
	Weights     role.Weights `yaml:"weights"`

	RebalanceInterval  time.Duration `yaml:"rebalance_interval"`
	DistributeInterval time.Duration `yaml:"distribute_interval"`
	Debounce           time.Duration `yaml:"debounce"`
	ConfirmTimeout     time.Duration `yaml:"confirm_timeout"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "DEBUG",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: 5 * time.Second,
		},
		Node: NodeConfig{
			KeyFile: "./data/node.key",
		},
		Storage: StorageConfig{
			Backend: "badger",
			Path:    "./data/blocks",
		},
		Discovery: DiscoveryConfig{
			ZKRoot: "/sharedlog",
		},
		Logs: []LogConfig{DefaultLog("default")},
	}
}

// DefaultLog is an adaptive replicator with two replicas.
func DefaultLog(name string) LogConfig {
	return LogConfig{
		Name:               name,
		Role:               "replicator",
		Replicas:           "2",
		Weights:            role.DefaultWeights(),
		RebalanceInterval:  time.Second,
		DistributeInterval: time.Second,
		Debounce:           2 * time.Second,
		ConfirmTimeout:     5 * time.Second,
	}
}

// Validate enforces the validate tags.
func (c Config) Validate() error {
	var errs []error
	switch strings.ToUpper(c.Logger.Level) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		errs = append(errs, fmt.Errorf("logger.level %q", c.Logger.Level))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("http-server.port %d out of range", c.Server.Port))
	}
	if c.Node.KeyFile == "" {
		errs = append(errs, fmt.Errorf("node.key_file is required"))
	}
	switch c.Storage.Backend {
	case "memory":
	case "badger", "sqlite":
		if c.Storage.Path == "" {
			errs = append(errs, fmt.Errorf("storage.path is required for %s", c.Storage.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q", c.Storage.Backend))
	}
	if len(c.Logs) == 0 {
		errs = append(errs, fmt.Errorf("at least one log is required"))
	}
	seen := make(map[string]struct{}, len(c.Logs))
	for i, l := range c.Logs {
		if _, dup := seen[l.Name]; dup {
			errs = append(errs, fmt.Errorf("logs[%d]: duplicate name %q", i, l.Name))
		}
		seen[l.Name] = struct{}{}
		if err := l.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("logs[%d]: %w", i, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func (l LogConfig) Validate() error {
	if l.Name == "" {
		return fmt.Errorf("name is required")
	}
	if f := l.Factor; f != nil && (*f < 0 || *f > 1 || math.IsNaN(*f)) {
		return fmt.Errorf("factor %v out of [0, 1]", *f)
	}
	if _, err := l.ToRole(); err != nil {
		return err
	}
	if _, err := l.Replication(); err != nil {
		return err
	}
	return nil
}

// ToRole builds the configured role. An unset factor starts at 1, an
// explicit 0 is kept.
func (l LogConfig) ToRole() (role.Role, error) {
	switch l.Role {
	case "observer":
		return role.Observer{}, nil
	case "replicator", "":
	default:
		return nil, fmt.Errorf("role %q, want replicator or observer", l.Role)
	}
	r := role.Replicator{Factor: 1, Fixed: l.Fixed}
	if l.Factor != nil {
		r.Factor = *l.Factor
	}
	if l.MemoryLimit != "" {
		limit, err := humanize.ParseBytes(l.MemoryLimit)
		if err != nil {
			return nil, fmt.Errorf("memory_limit: %w", err)
		}
		r.Limits.Memory = limit
	}
	w := l.Weights
	if w == (role.Weights{}) {
		w = role.DefaultWeights()
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	r.Objective = w.Objective()
	return r, nil
}

// Replication parses replicas and max_replicas.
func (l LogConfig) Replication() (replication.Factor, error) {
	f := replication.Default()
	if l.Replicas != "" {
		lo, err := replication.Parse(l.Replicas)
		if err != nil {
			return f, err
		}
		f.Min = lo
	}
	if l.MaxReplicas != "" {
		hi, err := replication.Parse(l.MaxReplicas)
		if err != nil {
			return f, err
		}
		f.Max = hi
	}
	return f, nil
}
