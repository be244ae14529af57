package types

// Hash is the content address of a block (entry bytes), base64url without padding.
type Hash = string

// PeerID identifies a peer: hash of its public signing key.
type PeerID string

// Gid identifies a causal group of entries.
type Gid = string

// TimestampMs is a millisecond-precision timestamp used by announcements.
type TimestampMs int64

// Bytes is an opaque payload.
type Bytes = []byte
