package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"

	"sharedlog/pkg/types"
)

const (
	zkSessionTimeout = 5 * time.Second
	zkConnectTimeout = 10 * time.Second
	zkRetryDelay     = 2 * time.Second
)

// PeerSink receives the full peer set on every membership change.
type PeerSink interface {
	SetPeers(ctx context.Context, peers map[types.PeerID]string)
}

// ZKMembership keeps one ephemeral znode per live peer under
// <root>/peers. The znode is named by peer id and holds the peer address.
type ZKMembership struct {
	conn     *zk.Conn
	rootPath string
	self     types.PeerID
	addr     string
	logger   *slog.Logger
}

// servers: ["zk1:2181", "zk2:2181"]
func NewZKMembership(servers []string, rootPath string, self types.PeerID, addr string, logger *slog.Logger) (*ZKMembership, error) {
	conn, _, err := zk.Connect(servers, zkSessionTimeout, zk.WithLogInfo(false))
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ZKMembership{
		conn:     conn,
		rootPath: strings.TrimRight(rootPath, "/"),
		self:     self,
		addr:     addr,
		logger:   logger.With("component", "zk"),
	}, nil
}

func (m *ZKMembership) Close() error {
	m.conn.Close()
	return nil
}

func (m *ZKMembership) peersPath() string {
	return m.rootPath + "/peers"
}

func (m *ZKMembership) ensurePath(path string) error {
	parts := strings.Split(path, "/")
	cur := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		cur = cur + "/" + p
		exists, _, err := m.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = m.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}

// RegisterSelf создаёт ephemeral-узел для текущего пира
func (m *ZKMembership) RegisterSelf(ctx context.Context) error {
	if err := m.waitConnected(ctx, zkConnectTimeout); err != nil {
		return err
	}
	if err := m.ensurePath(m.peersPath()); err != nil {
		return fmt.Errorf("ensure peers path: %w", err)
	}

	nodePath := m.peersPath() + "/" + string(m.self)
	_, err := m.conn.Create(nodePath, []byte(m.addr), zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if errors.Is(err, zk.ErrNodeExists) {
		// сессия пережила рестарт, обновляем адрес
		_, err = m.conn.Set(nodePath, []byte(m.addr), -1)
	}
	if err != nil {
		return fmt.Errorf("create ephemeral node: %w", err)
	}
	m.logger.Info("registered peer", "path", nodePath, "addr", m.addr)
	return nil
}

// readPeers reads the live peers and their addresses.
func (m *ZKMembership) readPeers(children []string) (map[types.PeerID]string, error) {
	peers := make(map[types.PeerID]string, len(children))
	for _, c := range children {
		data, _, err := m.conn.Get(m.peersPath() + "/" + c)
		if errors.Is(err, zk.ErrNoNode) {
			continue // ушёл между Children и Get
		}
		if err != nil {
			return nil, fmt.Errorf("zk get %s: %w", c, err)
		}
		peers[types.PeerID(c)] = string(data)
	}
	return peers, nil
}

// Peers returns the current live peers.
func (m *ZKMembership) Peers() (map[types.PeerID]string, error) {
	children, _, err := m.conn.Children(m.peersPath())
	if err != nil {
		return nil, fmt.Errorf("zk children: %w", err)
	}
	return m.readPeers(children)
}

// RunWatch следит за <root>/peers и передаёт каждый новый список в sink
func (m *ZKMembership) RunWatch(ctx context.Context, sink PeerSink) {
	go func() {
		for {
			children, _, ch, err := m.conn.ChildrenW(m.peersPath())
			if err != nil {
				m.logger.Warn("ChildrenW failed", "error", err)
				select {
				case <-time.After(zkRetryDelay):
					continue
				case <-ctx.Done():
					return
				}
			}

			peers, err := m.readPeers(children)
			if err != nil {
				m.logger.Warn("read peers failed", "error", err)
			} else {
				sink.SetPeers(ctx, peers)
				m.logger.Debug("peers updated", "count", len(peers))
			}

			select {
			case ev := <-ch:
				m.logger.Debug("zk event", "type", ev.Type, "path", ev.Path)
			case <-ctx.Done():
				m.logger.Info("watch stopped")
				return
			}
		}
	}()
}

func (m *ZKMembership) waitConnected(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := m.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("zk: not connected after %s, state=%v", timeout, st)
		}
		select {
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
