package control

import (
	"encoding/json"
	"fmt"
)

// Envelope is the wire format POSTed to /command: the command's variant key
// flattened into the top-level object, plus an optional timestamp and
// signature authenticating it.
type Envelope struct {
	Command   Command
	Timestamp *int64 // unix seconds; nil if absent
	Signature []byte // raw 96-byte P-384 signature; nil if absent
}

// envelopeWire picks the timestamp/signature siblings out of Envelope's
// flattened top-level JSON shape. The variant key is decoded separately by
// Command's own UnmarshalJSON, which ignores these two siblings.
type envelopeWire struct {
	Timestamp *int64  `json:"timestamp"`
	Signature *string `json:"signature"`
}

// ParseEnvelope decodes a POST /command body into an Envelope.
func ParseEnvelope(data []byte) (Envelope, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Envelope{}, fmt.Errorf("control: envelope: %w", err)
	}

	var wire envelopeWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return Envelope{}, fmt.Errorf("control: envelope: %w", err)
	}

	env := Envelope{Command: cmd, Timestamp: wire.Timestamp}
	if wire.Signature != nil {
		sig, err := decodeHexSignature(*wire.Signature)
		if err != nil {
			return Envelope{}, fmt.Errorf("control: envelope: %w", err)
		}
		env.Signature = sig
	}
	return env, nil
}

// signedMessage returns the exact bytes a signature is computed over: the
// canonical JSON serialization of the command, followed immediately by the
// decimal ASCII representation of the timestamp, with no separator.
func signedMessage(cmd Command, timestamp int64) ([]byte, error) {
	canonical, err := canonicalBytes(cmd)
	if err != nil {
		return nil, err
	}
	return append(canonical, []byte(fmt.Sprintf("%d", timestamp))...), nil
}
