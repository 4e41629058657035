// Package fanout carries deliveries between gateway nodes.
//
// A node that cannot deliver locally publishes a Frame on the Bus; every
// other node's Bridge receives it and hands it to local delivery. Frames
// from the receiving node itself are ignored and nothing is re-published.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
)

// Kind is the delivery class of a frame.
type Kind string

const (
	KindBroadcast Kind = "broadcast"
	KindUser      Kind = "user"
	KindGroup     Kind = "group"
)

// Frame is the unit carried on the bus.
type Frame struct {
	Origin  string `json:"origin"`           // Publishing node id
	Kind    Kind   `json:"kind"`             // Delivery class
	Target  string `json:"target,omitempty"` // User or group id; empty for broadcast
	Payload string `json:"payload"`          // Encoded client envelope
}

func (f Frame) encode() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

func decodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	switch f.Kind {
	case KindBroadcast, KindUser, KindGroup:
	default:
		return Frame{}, fmt.Errorf("decode frame: unknown kind %q", f.Kind)
	}
	return f, nil
}

// Handler receives frames from the bus.
type Handler func(Frame)

// Bus is a cross-node pub/sub transport.
type Bus interface {
	Publish(ctx context.Context, f Frame) error
	// Subscribe delivers every frame published by any node to h until Close.
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}
