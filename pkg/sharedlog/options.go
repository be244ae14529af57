package sharedlog

import (
	"log/slog"
	"time"

	"sharedlog/pkg/blockstore"
	"sharedlog/pkg/identity"
	"sharedlog/pkg/metrics"
	"sharedlog/pkg/replication"
	"sharedlog/pkg/role"
	"sharedlog/pkg/transport"
)

const (
	defaultRebalanceInterval  = time.Second
	defaultDistributeInterval = time.Second
	defaultDebounce           = 2 * time.Second
	defaultConfirmTimeout     = 5 * time.Second
	defaultAnnounceEvery      = 500 * time.Millisecond
	defaultAnnounceEpsilon    = 0.001
	defaultFetchInitial       = 100 * time.Millisecond
	defaultFetchMax           = 10 * time.Second
	defaultQueueSize          = 1024
	defaultOutboxSize         = 4096
	defaultSendConcurrency    = 8
)

// Options configure one open log.
type Options struct {
	Name      string
	Identity  identity.Signer
	Transport transport.Transport
	Store     blockstore.Store

	// Role defaults to an adaptive replicator starting at factor 1.
	Role        role.Role
	Replication replication.Factor

	RebalanceInterval  time.Duration
	DistributeInterval time.Duration
	Debounce           time.Duration
	ConfirmTimeout     time.Duration
	AnnounceEvery      time.Duration
	AnnounceEpsilon    float64
	FetchInitial       time.Duration
	FetchMax           time.Duration

	// OutboxSize bounds queued sends, a full outbox drops messages.
	OutboxSize      int
	SendConcurrency int

	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

func (o *Options) withDefaults() {
	if o.Role == nil {
		o.Role = role.Replicator{Factor: 1}
	}
	if o.Replication.Min == nil {
		o.Replication.Min = replication.DefaultMin
	}
	if o.RebalanceInterval <= 0 {
		o.RebalanceInterval = defaultRebalanceInterval
	}
	if o.DistributeInterval <= 0 {
		o.DistributeInterval = defaultDistributeInterval
	}
	if o.Debounce <= 0 {
		o.Debounce = defaultDebounce
	}
	if o.ConfirmTimeout <= 0 {
		o.ConfirmTimeout = defaultConfirmTimeout
	}
	if o.AnnounceEvery <= 0 {
		o.AnnounceEvery = defaultAnnounceEvery
	}
	if o.AnnounceEpsilon <= 0 {
		o.AnnounceEpsilon = defaultAnnounceEpsilon
	}
	if o.FetchInitial <= 0 {
		o.FetchInitial = defaultFetchInitial
	}
	if o.FetchMax <= 0 {
		o.FetchMax = defaultFetchMax
	}
	if o.OutboxSize <= 0 {
		o.OutboxSize = defaultOutboxSize
	}
	if o.SendConcurrency <= 0 {
		o.SendConcurrency = defaultSendConcurrency
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Topic is the transport topic of a log.
func Topic(name string) string {
	return "sharedlog/" + name
}
