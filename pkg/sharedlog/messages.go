package sharedlog

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"sharedlog/pkg/identity"
	"sharedlog/pkg/role"
	"sharedlog/pkg/types"
)

var ErrBadAnnouncement = errors.New("sharedlog: bad announcement")

type kind uint8

const (
	kindAnnounce kind = iota + 1
	kindEntries
	kindFetch
	kindHasRequest
	kindHasResponse
	kindRoleRequest
)

func (k kind) String() string {
	switch k {
	case kindAnnounce:
		return "announce"
	case kindEntries:
		return "entries"
	case kindFetch:
		return "fetch"
	case kindHasRequest:
		return "has_request"
	case kindHasResponse:
		return "has_response"
	case kindRoleRequest:
		return "role_request"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

type envelope struct {
	Kind kind               `msgpack:"k"`
	Body msgpack.RawMessage `msgpack:"b"`
}

// Announcement is the last known role of a peer. Timestamps only grow, an
// announcement not newer than the recorded one is dropped.
type Announcement struct {
	Peer      types.PeerID `msgpack:"peer"`
	Role      role.Wire    `msgpack:"role"`
	Timestamp int64        `msgpack:"ts"`
	PublicKey []byte       `msgpack:"pk"`
	Signature []byte       `msgpack:"sig,omitempty"`
}

func (a Announcement) signable() ([]byte, error) {
	a.Signature = nil
	return msgpack.Marshal(&a)
}

func signAnnouncement(a Announcement, id identity.Signer) (Announcement, error) {
	a.PublicKey = id.PublicKey()
	data, err := a.signable()
	if err != nil {
		return a, fmt.Errorf("encode announcement: %w", err)
	}
	a.Signature = id.Sign(data)
	return a, nil
}

// verify checks the signature and that the key belongs to the peer.
func (a Announcement) verify() error {
	if identity.PeerIDFromPublicKey(a.PublicKey) != a.Peer {
		return fmt.Errorf("%w: key does not match peer %s", ErrBadAnnouncement, a.Peer)
	}
	data, err := a.signable()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadAnnouncement, err)
	}
	if err := identity.Verify(a.PublicKey, data, a.Signature); err != nil {
		return fmt.Errorf("%w: %v", ErrBadAnnouncement, err)
	}
	return nil
}

type entriesMessage struct {
	Blocks [][]byte `msgpack:"blocks"`
	// Fetched marks a reply to a fetch, accepted whether or not we lead it.
	Fetched bool `msgpack:"fetched,omitempty"`
}

type fetchMessage struct {
	ID     string       `msgpack:"id"`
	Hashes []types.Hash `msgpack:"hashes"`
}

type hasRequest struct {
	ID     string       `msgpack:"id"`
	Hashes []types.Hash `msgpack:"hashes"`
}

type hasResponse struct {
	ID  string       `msgpack:"id"`
	Has []types.Hash `msgpack:"has"`
}

type roleRequest struct{}

func encode(k kind, body any) ([]byte, error) {
	b, err := msgpack.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", k, err)
	}
	out, err := msgpack.Marshal(&envelope{Kind: k, Body: b})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return out, nil
}

func decode(data []byte) (envelope, error) {
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}
