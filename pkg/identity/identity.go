// Package identity holds the signing key of a peer.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"sharedlog/pkg/types"
)

var (
	ErrBadSignature = errors.New("identity: bad signature")
	ErrBadPublicKey = errors.New("identity: bad public key")
)

// Signer signs on behalf of a peer.
type Signer interface {
	PeerID() types.PeerID
	PublicKey() []byte
	Sign(data []byte) []byte
}

type Identity struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	id   types.PeerID
}

// Generate creates a new random identity.
func Generate() (*Identity, error) {
	return generate(rand.Reader)
}

// FromSeed derives an identity from a 32 byte seed, used for stable node keys.
func FromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return fromPrivate(priv), nil
}

func generate(r io.Reader) (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(r)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	return fromPrivate(priv), nil
}

func fromPrivate(priv ed25519.PrivateKey) *Identity {
	pub := priv.Public().(ed25519.PublicKey)
	return &Identity{
		priv: priv,
		pub:  pub,
		id:   PeerIDFromPublicKey(pub),
	}
}

func (i *Identity) PeerID() types.PeerID { return i.id }

func (i *Identity) PublicKey() []byte { return append([]byte(nil), i.pub...) }

func (i *Identity) Sign(data []byte) []byte {
	return ed25519.Sign(i.priv, data)
}

// PeerIDFromPublicKey hashes a public key into a peer id.
func PeerIDFromPublicKey(pub []byte) types.PeerID {
	sum := sha256.Sum256(pub)
	return types.PeerID(base64.RawURLEncoding.EncodeToString(sum[:]))
}

// Verify checks sig over data with pub.
func Verify(pub, data, sig []byte) error {
	if len(pub) != ed25519.PublicKeySize {
		return ErrBadPublicKey
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), data, sig) {
		return ErrBadSignature
	}
	return nil
}
