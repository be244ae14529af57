// Package entry defines the immutable unit of the shared log.
package entry

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"sharedlog/pkg/blockstore"
	"sharedlog/pkg/clock"
	"sharedlog/pkg/identity"
	"sharedlog/pkg/types"
)

var (
	ErrInvalidInput = errors.New("entry: invalid input")
	ErrHashMismatch = errors.New("entry: hash mismatch")
)

// Meta is application metadata carried next to the payload.
type Meta struct {
	Type uint8  `msgpack:"t"`
	Data []byte `msgpack:"d,omitempty"`
}

// Entry is immutable once created. Hash is derived from the encoded form and
// is not itself part of it.
type Entry struct {
	Hash      types.Hash   `msgpack:"-"`
	Gid       types.Gid    `msgpack:"gid"`
	Clock     clock.Clock  `msgpack:"clock"`
	Next      []types.Hash `msgpack:"next,omitempty"`
	Payload   []byte       `msgpack:"payload,omitempty"`
	Meta      Meta         `msgpack:"meta"`
	PublicKey []byte       `msgpack:"pk,omitempty"`
	Signature []byte       `msgpack:"sig,omitempty"`
}

// CreateParams holds everything Create needs. Data must be non-nil, every
// element of Next must be non-nil.
type CreateParams struct {
	Data     []byte
	Next     []*Entry
	Meta     Meta
	Identity identity.Signer

	// Gid and GidSeed only matter for roots (empty Next).
	Gid     types.Gid
	GidSeed []byte

	// Clock overrides the computed clock.
	Clock *clock.Clock
	Now   func() time.Time
}

// Create builds, signs and hashes a new entry.
func Create(p CreateParams) (*Entry, error) {
	if p.Data == nil {
		return nil, fmt.Errorf("%w: data is nil", ErrInvalidInput)
	}
	for i, n := range p.Next {
		if n == nil {
			return nil, fmt.Errorf("%w: next[%d] is nil", ErrInvalidInput, i)
		}
		if n.Hash == "" {
			return nil, fmt.Errorf("%w: next[%d] has no hash", ErrInvalidInput, i)
		}
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}

	gid, err := resolveGid(p)
	if err != nil {
		return nil, err
	}

	e := &Entry{
		Gid:     gid,
		Payload: p.Data,
		Meta:    p.Meta,
		Next:    make([]types.Hash, 0, len(p.Next)),
	}
	for _, n := range p.Next {
		e.Next = append(e.Next, n.Hash)
	}

	switch {
	case p.Clock != nil:
		e.Clock = *p.Clock
	case len(p.Next) > 0:
		clocks := make([]clock.Clock, len(p.Next))
		for i, n := range p.Next {
			clocks[i] = n.Clock
		}
		latest, _ := clock.Max(clocks...)
		e.Clock = latest.Advance(now())
		if p.Identity != nil {
			e.Clock.ID = p.Identity.PublicKey()
		}
	default:
		var id []byte
		if p.Identity != nil {
			id = p.Identity.PublicKey()
		}
		e.Clock = clock.New(id, now())
	}

	if p.Identity != nil {
		e.PublicKey = p.Identity.PublicKey()
		signable, err := e.signable()
		if err != nil {
			return nil, err
		}
		e.Signature = p.Identity.Sign(signable)
	}

	data, err := Encode(e)
	if err != nil {
		return nil, err
	}
	e.Hash = blockstore.Hash(data)
	return e, nil
}

// resolveGid applies the causal group rule: roots take the caller gid, the
// seed hash or a random one; children inherit from the predecessor with the
// greatest clock, smaller gid on ties.
func resolveGid(p CreateParams) (types.Gid, error) {
	if len(p.Next) == 0 {
		switch {
		case p.Gid != "":
			return p.Gid, nil
		case p.GidSeed != nil:
			return blockstore.Hash(p.GidSeed), nil
		}
		seed := make([]byte, 32)
		if _, err := rand.Read(seed); err != nil {
			return "", fmt.Errorf("entry: random gid: %w", err)
		}
		return blockstore.Hash(seed), nil
	}

	winner := p.Next[0]
	for _, n := range p.Next[1:] {
		switch cmp := n.Clock.Timestamp.Compare(winner.Clock.Timestamp); {
		case cmp > 0:
			winner = n
		case cmp == 0 && n.Gid < winner.Gid:
			winner = n
		}
	}
	return winner.Gid, nil
}

func (e *Entry) signable() ([]byte, error) {
	unsigned := *e
	unsigned.Signature = nil
	b, err := msgpack.Marshal(&unsigned)
	if err != nil {
		return nil, fmt.Errorf("entry: encode: %w", err)
	}
	return b, nil
}

// Encode returns the canonical bytes of e, the ones its hash is computed over.
func Encode(e *Entry) ([]byte, error) {
	b, err := msgpack.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("entry: encode: %w", err)
	}
	return b, nil
}

// Decode parses bytes produced by Encode, sets the hash and checks the
// signature when one is present.
func Decode(data []byte) (*Entry, error) {
	var e Entry
	if err := msgpack.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrInvalidInput, err)
	}
	e.Hash = blockstore.Hash(data)
	if len(e.Signature) > 0 || len(e.PublicKey) > 0 {
		signable, err := e.signable()
		if err != nil {
			return nil, err
		}
		if err := identity.Verify(e.PublicKey, signable, e.Signature); err != nil {
			return nil, fmt.Errorf("entry %s: %w", e.Hash, err)
		}
	}
	return &e, nil
}

// DecodeHash decodes data and checks it is stored under want.
func DecodeHash(want types.Hash, data []byte) (*Entry, error) {
	e, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if e.Hash != want {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrHashMismatch, e.Hash, want)
	}
	return e, nil
}

// Size is the number of bytes the entry takes in the block store.
func (e *Entry) Size() int {
	b, err := Encode(e)
	if err != nil {
		return len(e.Payload)
	}
	return len(b)
}

// IsDirectParent reports whether b lists a as a predecessor.
func IsDirectParent(a, b *Entry) bool {
	for _, h := range b.Next {
		if h == a.Hash {
			return true
		}
	}
	return false
}

func IsEqual(a, b *Entry) bool {
	return a.Hash == b.Hash
}
