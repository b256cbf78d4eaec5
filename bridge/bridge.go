// Package bridge transports storage change events between execution
// contexts. The sync engine only needs at-least-once delivery: envelopes may
// arrive duplicated or out of order, and the merge layer absorbs both.
package bridge

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/coachpo/vessel/codec"
)

// Envelope is one storage change crossing a context boundary.
type Envelope struct {
	Namespace string        `json:"namespace"`
	Key       string        `json:"key"`
	OldValue  *codec.Record `json:"oldValue,omitempty"`
	NewValue  *codec.Record `json:"newValue,omitempty"`
	Origin    string        `json:"origin"`
}

// Bridge is a channel capable of delivering envelopes to other contexts.
type Bridge interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(fn func(Envelope)) (remove func())
	Close() error
}

// Encode renders an envelope to its wire form.
func Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses an envelope off the wire, reviving Map/Set wrappers inside
// the record states.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err) //nolint:exhaustruct
	}
	if env.OldValue != nil {
		env.OldValue.State = codec.Revive(env.OldValue.State)
	}
	if env.NewValue != nil {
		env.NewValue.State = codec.Revive(env.NewValue.State)
	}
	return env, nil
}
