// Package codec converts envelopes to and from transport frames. JSON frames
// travel as websocket text messages; CBOR frames as binary messages. The
// envelope payload itself is always a JSON document.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"roomsync/pkg/types"
)

var (
	ErrUnknownCodec = errors.New("unknown codec")
	ErrInvalidFrame = errors.New("invalid frame")
)

// Codec encodes envelopes for one frame format
type Codec interface {
	// Name is the value clients pass as ?codec=
	Name() string
	// Binary reports whether frames must be sent as binary messages
	Binary() bool
	Encode(env *types.Envelope) ([]byte, error)
	Decode(data []byte) (*types.Envelope, error)
}

const (
	NameJSON = "json"
	NameCBOR = "cbor"
)

// ByName returns the codec for name. An empty name selects JSON.
func ByName(name string) (Codec, error) {
	switch name {
	case "", NameJSON:
		return JSON{}, nil
	case NameCBOR:
		return CBOR{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// JSON is the default text codec
type JSON struct{}

func (JSON) Name() string { return NameJSON }
func (JSON) Binary() bool { return false }

func (JSON) Encode(env *types.Envelope) ([]byte, error) {
	return json.Marshal(env)
}

func (JSON) Decode(data []byte) (*types.Envelope, error) {
	var env types.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return &env, nil
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	var err error
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// cborFrame is the binary wire shape; the JSON payload rides as a byte string
type cborFrame struct {
	ID        string    `cbor:"id"`
	EventType string    `cbor:"event_type"`
	RoomID    string    `cbor:"room_id"`
	SenderID  string    `cbor:"sender_id"`
	Payload   []byte    `cbor:"payload,omitempty"`
	Timestamp time.Time `cbor:"timestamp"`
}

// CBOR is the binary codec using deterministic encoding
type CBOR struct{}

func (CBOR) Name() string { return NameCBOR }
func (CBOR) Binary() bool { return true }

func (CBOR) Encode(env *types.Envelope) ([]byte, error) {
	return encMode.Marshal(cborFrame{
		ID:        env.ID,
		EventType: string(env.EventType),
		RoomID:    env.RoomID,
		SenderID:  env.SenderID,
		Payload:   env.Payload,
		Timestamp: env.Timestamp,
	})
}

func (CBOR) Decode(data []byte) (*types.Envelope, error) {
	var frame cborFrame
	if err := decMode.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if len(frame.Payload) > 0 && !json.Valid(frame.Payload) {
		return nil, fmt.Errorf("%w: payload is not JSON", ErrInvalidFrame)
	}
	return &types.Envelope{
		ID:        frame.ID,
		EventType: types.EventType(frame.EventType),
		RoomID:    frame.RoomID,
		SenderID:  frame.SenderID,
		Payload:   frame.Payload,
		Timestamp: frame.Timestamp,
	}, nil
}
