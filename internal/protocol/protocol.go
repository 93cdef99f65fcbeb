// Package protocol encodes and decodes the frames exchanged between sync
// clients and the server.
//
// Every frame starts with a varuint message type. Sync frames carry a sync
// sub-type and a length-prefixed body; awareness frames carry a single
// length-prefixed presence delta.
package protocol

import (
	"errors"
	"fmt"

	"docsync/internal/wire"
)

var (
	// ErrUnknownMessageType is returned for a frame whose leading tag is not a known message type.
	ErrUnknownMessageType = errors.New("protocol: unknown message type")
	// ErrUnknownSyncType is returned for a sync frame with an unknown sub-type.
	ErrUnknownSyncType = errors.New("protocol: unknown sync message type")
	// ErrMalformedFrame is returned when a frame is truncated or carries trailing bytes.
	ErrMalformedFrame = errors.New("protocol: malformed frame")
)

// MessageType is the leading tag of a frame.
type MessageType uint64

const (
	MessageSync      MessageType = 0
	MessageAwareness MessageType = 1
)

func (t MessageType) String() string {
	switch t {
	case MessageSync:
		return "sync"
	case MessageAwareness:
		return "awareness"
	default:
		return fmt.Sprintf("MessageType(%d)", uint64(t))
	}
}

// SyncType is the sub-type of a sync frame.
type SyncType uint64

const (
	// SyncStep1 carries the sender's state vector.
	SyncStep1 SyncType = 0
	// SyncStep2 carries the delta answering a step 1.
	SyncStep2 SyncType = 1
	// SyncUpdate carries an incremental update.
	SyncUpdate SyncType = 2
)

func (t SyncType) String() string {
	switch t {
	case SyncStep1:
		return "step1"
	case SyncStep2:
		return "step2"
	case SyncUpdate:
		return "update"
	default:
		return fmt.Sprintf("SyncType(%d)", uint64(t))
	}
}

// Message is a decoded frame. Sync is meaningful only for MessageSync.
type Message struct {
	Type    MessageType
	Sync    SyncType
	Payload []byte
}

// Decode parses a single frame.
func Decode(frame []byte) (Message, error) {
	var m Message
	d := wire.NewDecoder(frame)

	tag, err := d.ReadVarUint()
	if err != nil {
		return m, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	m.Type = MessageType(tag)

	switch m.Type {
	case MessageSync:
		sub, err := d.ReadVarUint()
		if err != nil {
			return m, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		m.Sync = SyncType(sub)
		if m.Sync > SyncUpdate {
			return m, fmt.Errorf("%w: %d", ErrUnknownSyncType, sub)
		}
	case MessageAwareness:
	default:
		return m, fmt.Errorf("%w: %d", ErrUnknownMessageType, tag)
	}

	if m.Payload, err = d.ReadVarBytes(); err != nil {
		return m, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if d.Remaining() != 0 {
		return m, fmt.Errorf("%w: %d trailing bytes", ErrMalformedFrame, d.Remaining())
	}
	return m, nil
}

// Encode serialises m.
func (m Message) Encode() []byte {
	e := wire.NewEncoder()
	e.WriteVarUint(uint64(m.Type))
	if m.Type == MessageSync {
		e.WriteVarUint(uint64(m.Sync))
	}
	e.WriteVarBytes(m.Payload)
	return e.Bytes()
}

// EncodeSyncStep1 builds a step-1 frame carrying a state vector.
func EncodeSyncStep1(stateVector []byte) []byte {
	return Message{Type: MessageSync, Sync: SyncStep1, Payload: stateVector}.Encode()
}

// EncodeSyncStep2 builds a step-2 frame carrying a delta.
func EncodeSyncStep2(delta []byte) []byte {
	return Message{Type: MessageSync, Sync: SyncStep2, Payload: delta}.Encode()
}

// EncodeUpdate builds an update frame.
func EncodeUpdate(update []byte) []byte {
	return Message{Type: MessageSync, Sync: SyncUpdate, Payload: update}.Encode()
}

// EncodeAwareness builds an awareness frame.
func EncodeAwareness(delta []byte) []byte {
	return Message{Type: MessageAwareness, Payload: delta}.Encode()
}
