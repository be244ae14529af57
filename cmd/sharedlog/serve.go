package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	apihttp "sharedlog/internal/http"
	"sharedlog/pkg/cluster"
	"sharedlog/pkg/config"
	"sharedlog/pkg/metrics"
	"sharedlog/pkg/sharedlog"
	"sharedlog/pkg/transport/httpgossip"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "runs a peer",
	Long: `
	Opens every configured log, serves the HTTP API and gossip endpoints and
	joins the cluster through ZooKeeper or the static peer list.
	`,
	SilenceUsage: true,
	RunE:         runServe,
}

func logOptions(lc config.LogConfig) (sharedlog.Options, error) {
	r, err := lc.ToRole()
	if err != nil {
		return sharedlog.Options{}, fmt.Errorf("log %s: %w", lc.Name, err)
	}
	f, err := lc.Replication()
	if err != nil {
		return sharedlog.Options{}, fmt.Errorf("log %s: %w", lc.Name, err)
	}
	return sharedlog.Options{
		Name:               lc.Name,
		Role:               r,
		Replication:        f,
		RebalanceInterval:  lc.RebalanceInterval,
		DistributeInterval: lc.DistributeInterval,
		Debounce:           lc.Debounce,
		ConfirmTimeout:     lc.ConfirmTimeout,
	}, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := initConfig(cliContext.ConfigPath)
	if err != nil {
		return err
	}
	initLogger(&cfg)

	id, err := loadIdentity(cfg.Node.KeyFile)
	if err != nil {
		return err
	}
	port := strconv.Itoa(cfg.Server.Port)
	advertise := cfg.Node.Advertise
	if advertise == "" {
		advertise = "http://localhost:" + port
	}
	slog.Info("sharedlog starting", "peer", id.PeerID(), "advertise", advertise, "backend", cfg.Storage.Backend)

	stores, err := openStores(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open block store: %w", err)
	}
	gossip := httpgossip.New(id.PeerID(), advertise, slog.Default())
	m := metrics.New()
	node := sharedlog.NewNode(id, gossip, stores, m, slog.Default())
	defer func() {
		if err := node.Close(); err != nil {
			slog.Error("close node", "error", err)
		}
	}()

	for _, lc := range cfg.Logs {
		opts, err := logOptions(lc)
		if err != nil {
			return err
		}
		if _, err := node.Open(ctx, opts); err != nil {
			return fmt.Errorf("open log %s: %w", lc.Name, err)
		}
	}

	router := &cluster.Router{
		Logs: func(name string) (cluster.Local, bool) {
			l, ok := node.Get(name)
			if !ok {
				return nil, false
			}
			return l, true
		},
		Directory: gossip,
		NewClient: func(addr string) (cluster.Remote, error) {
			return cluster.NewHTTPClient(addr), nil
		},
		Logger: slog.Default(),
	}

	server := apihttp.NewServer(node, port)
	if cfg.Server.ReadHeaderTimeout > 0 {
		server.ReadHeaderTimeout = cfg.Server.ReadHeaderTimeout
	}
	server.SetRouter(router)
	server.SetMetrics(m.Handler())
	server.SetGossip(gossip)
	if err := server.Start(); err != nil {
		return err
	}

	stopDiscovery, err := initDiscovery(ctx, cfg.Discovery, id, advertise, gossip)
	if err != nil {
		_ = server.Stop()
		return fmt.Errorf("discovery: %w", err)
	}
	defer stopDiscovery()

	slog.Info("sharedlog running", "logs", node.Logs())
	<-ctx.Done()

	if err := server.Stop(); err != nil {
		slog.Error("stop server", "error", err)
	}
	slog.Info("sharedlog stopped")
	return nil
}
