package cluster

import (
	"fmt"
	"os"
	"strings"

	"sharedlog/pkg/types"
)

// ParsePeers reads "id=addr,id=addr". Empty items are skipped.
func ParsePeers(raw string) (map[types.PeerID]string, error) {
	peers := make(map[types.PeerID]string)
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, addr, ok := strings.Cut(p, "=")
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("bad peer %q, want id=addr", p)
		}
		peers[types.PeerID(id)] = addr
	}
	return peers, nil
}

// PeersFromEnv reads SHAREDLOG_PEERS, e.g. "Q1x...=http://node1:8080".
func PeersFromEnv() (map[types.PeerID]string, error) {
	return ParsePeers(os.Getenv("SHAREDLOG_PEERS"))
}
