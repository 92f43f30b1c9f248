// ABOUTME: JSON text-frame codec for envelopes: {"type": ..., "data": {...}}
// ABOUTME: Decoding picks the variant from the type tag and validates required fields

package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// frame is the on-the-wire shape shared by every envelope type.
type frame struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Decode parses a text frame into an Envelope.
// Every failure wraps ErrMalformed.
func Decode(data []byte) (Envelope, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if f.Type == "" {
		return Envelope{}, missing("type")
	}
	if len(bytes.TrimSpace(f.Data)) == 0 || bytes.Equal(bytes.TrimSpace(f.Data), []byte("null")) {
		return Envelope{}, missing("data")
	}

	p, err := decodePayload(f.Type, f.Data)
	if err != nil {
		return Envelope{}, err
	}
	if err := p.validate(); err != nil {
		return Envelope{}, err
	}
	return Envelope{payload: p}, nil
}

func decodePayload(t Type, data json.RawMessage) (Payload, error) {
	switch t {
	case TypeStatusUpdate:
		return unmarshalInto[StatusUpdate](data)
	case TypeStartSession:
		return unmarshalInto[StartSession](data)
	case TypeEndSession:
		return unmarshalInto[EndSession](data)
	case TypeSessionStarted:
		return unmarshalInto[SessionStarted](data)
	case TypeSessionEnded:
		return unmarshalInto[SessionEnded](data)
	case TypeVoiceMessage:
		return unmarshalInto[VoiceMessage](data)
	case TypeAIResponse:
		return unmarshalInto[AIResponse](data)
	case TypeError:
		return unmarshalInto[Error](data)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, t)
	}
}

func unmarshalInto[P Payload](data json.RawMessage) (Payload, error) {
	var p P
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return p, nil
}

// Encode renders an Envelope as a text frame.
func Encode(e Envelope) ([]byte, error) {
	if e.payload == nil {
		return nil, fmt.Errorf("%w: empty envelope", ErrMalformed)
	}
	data, err := json.Marshal(e.payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", e.payload.Type(), err)
	}
	return json.Marshal(frame{Type: e.payload.Type(), Data: data})
}

// MarshalJSON implements json.Marshaler so envelopes can be embedded in API responses.
func (e Envelope) MarshalJSON() ([]byte, error) {
	return Encode(e)
}

// UnmarshalJSON implements json.Unmarshaler using Decode.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	decoded, err := Decode(data)
	if err != nil {
		return err
	}
	*e = decoded
	return nil
}
