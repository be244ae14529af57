package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"

	"sharedlog/pkg/blockstore"
	"sharedlog/pkg/cluster"
	"sharedlog/pkg/config"
	"sharedlog/pkg/identity"
	"sharedlog/pkg/transport/httpgossip"
)

// initConfig загружает конфиг из файла YAML. Если файл не найден, возвращается config.Default().
func initConfig(path string) (config.Config, error) {
	var cfg config.Config

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Info("config file not found, using default config", "path", path)
			return config.Default(), nil
		}
		return cfg, err
	}

	cfg = config.Default()
	cfg.Logs = nil
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// initLogger настраивает глобальный slog.Logger (JSON или текстовый).
func initLogger(cfg *config.Config) {
	opts := &slog.HandlerOptions{AddSource: true, Level: parseLevel(cfg.Logger.Level)}
	var handler slog.Handler
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)
}

// loadIdentity читает seed ключа, при первом запуске создаёт его
func loadIdentity(path string) (*identity.Identity, error) {
	seed, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		seed = make([]byte, 32)
		if _, err := rand.Read(seed); err != nil {
			return nil, fmt.Errorf("generate seed: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create key dir: %w", err)
		}
		if err := os.WriteFile(path, seed, 0o600); err != nil {
			return nil, fmt.Errorf("write key: %w", err)
		}
		slog.Info("generated node key", "path", path)
	} else if err != nil {
		return nil, fmt.Errorf("read key: %w", err)
	}
	return identity.FromSeed(seed)
}

func openStores(cfg config.StorageConfig) (blockstore.Opener, error) {
	switch cfg.Backend {
	case "memory":
		return blockstore.MemoryOpener{}, nil
	case "badger":
		db, err := blockstore.OpenBadger(cfg.Path)
		if err != nil {
			return nil, err
		}
		return db, nil
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
		db, err := blockstore.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		return db, nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}

// initDiscovery feeds peers to the gossip transport from the static list
// and, when configured, from ZooKeeper. The returned func releases it.
func initDiscovery(ctx context.Context, cfg config.DiscoveryConfig, id identity.Signer, advertise string, t *httpgossip.Transport) (func(), error) {
	static, err := cluster.ParsePeers(cfg.Peers)
	if err != nil {
		return nil, err
	}
	if len(static) == 0 {
		if static, err = cluster.PeersFromEnv(); err != nil {
			return nil, err
		}
	}
	if len(static) > 0 {
		t.SetPeers(ctx, static)
		slog.Info("static peers", "count", len(static))
	}
	if len(cfg.ZKServers) == 0 {
		return func() {}, nil
	}

	membership, err := cluster.NewZKMembership(cfg.ZKServers, cfg.ZKRoot, id.PeerID(), advertise, slog.Default())
	if err != nil {
		return nil, err
	}
	if err := membership.RegisterSelf(ctx); err != nil {
		_ = membership.Close()
		return nil, err
	}
	// watcher обновляет список пиров транспорта при изменении состава в ZK
	membership.RunWatch(ctx, t)
	return func() { _ = membership.Close() }, nil
}
