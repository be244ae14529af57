// Package transport is the boundary between a log instance and the network.
//
// Delivery is best effort: messages may be lost or duplicated and there is
// no ordering across peers. Consumers must be idempotent.
package transport

import (
	"context"
	"errors"

	"sharedlog/pkg/types"
)

var (
	ErrClosed        = errors.New("transport: closed")
	ErrNotSubscribed = errors.New("transport: not subscribed")
	ErrUnreachable   = errors.New("transport: peer unreachable")
)

// Event is PeerReachable, PeerUnreachable or Data.
type Event interface {
	isEvent()
}

// PeerReachable is emitted when a peer subscribes to the same topic.
type PeerReachable struct {
	Peer types.PeerID
}

type PeerUnreachable struct {
	Peer types.PeerID
}

// Data is an inbound message.
type Data struct {
	From  types.PeerID
	Bytes []byte
}

func (PeerReachable) isEvent()   {}
func (PeerUnreachable) isEvent() {}
func (Data) isEvent()            {}

// DeliveryMode is Silent, Acknowledge, Seek or AnyWhere.
type DeliveryMode interface {
	isDeliveryMode()
}

// Silent sends to the listed peers and ignores failures.
type Silent struct {
	To []types.PeerID
}

// Acknowledge sends to the listed peers and fails unless all of them
// accepted the message.
type Acknowledge struct {
	To []types.PeerID
}

// Seek sends to every subscriber of the topic and reports failures.
type Seek struct{}

// AnyWhere floods every subscriber of the topic and ignores failures.
type AnyWhere struct{}

func (Silent) isDeliveryMode()      {}
func (Acknowledge) isDeliveryMode() {}
func (Seek) isDeliveryMode()        {}
func (AnyWhere) isDeliveryMode()    {}

type Subscription interface {
	Topic() string
	Events() <-chan Event
	Close() error
}

type Transport interface {
	Self() types.PeerID
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Publish(ctx context.Context, topic string, data []byte, mode DeliveryMode) error
	Close() error
}

// Targets resolves a delivery mode against the current subscribers. strict
// is true when delivery failures must be reported.
func Targets(mode DeliveryMode, subscribers []types.PeerID) (to []types.PeerID, strict bool) {
	switch m := mode.(type) {
	case Silent:
		return m.To, false
	case Acknowledge:
		return m.To, true
	case Seek:
		return subscribers, true
	case AnyWhere, nil:
		return subscribers, false
	default:
		panic("transport: unknown delivery mode")
	}
}
