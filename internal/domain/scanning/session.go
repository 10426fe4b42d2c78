package scanning

import (
	"encoding/json"
	"fmt"
)

// Session is detector-owned state carried on a Task between polls. Kind
// identifies the backend that produced it; Data is meaningful only to that
// backend. The orchestration layer persists and replays it untouched.
type Session struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewSession encodes v as the payload of a session of the given kind.
func NewSession(kind string, v any) (Session, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Session{}, fmt.Errorf("encoding %s session: %w", kind, err)
	}
	return Session{Kind: kind, Data: data}, nil
}

// IsZero reports whether no detector state is attached.
func (s Session) IsZero() bool { return s.Kind == "" && len(s.Data) == 0 }

// Decode unmarshals the payload into v after checking the kind.
func (s Session) Decode(kind string, v any) error {
	if s.Kind != kind {
		return fmt.Errorf("%w: kind %q, want %q", ErrInvalidSession, s.Kind, kind)
	}
	if err := json.Unmarshal(s.Data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	return nil
}

// Encode renders the session in its stored text form. The zero session
// encodes to the empty string.
func (s Session) Encode() (string, error) {
	if s.IsZero() {
		return "", nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encoding session: %w", err)
	}
	return string(b), nil
}

// DecodeSession parses the stored text form produced by Encode.
func DecodeSession(raw string) (Session, error) {
	if raw == "" {
		return Session{}, nil
	}
	var s Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	return s, nil
}
