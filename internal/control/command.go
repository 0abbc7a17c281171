// Package control implements the signed command envelope that drives the
// tunnel registry: parsing, canonical serialization, and ECDSA P-384
// signature verification.
package control

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"

	"github.com/google/uuid"
)

// Kind identifies which command variant an Envelope carries.
type Kind string

const (
	KindCreate Kind = "create"
	KindModify Kind = "modify"
	KindDelete Kind = "delete"
	KindStatus Kind = "status"
)

// CreateCommand opens a new tunnel binding incoming_port to a destination.
type CreateCommand struct {
	IncomingPort    uint16    `json:"incoming_port"`
	DestinationPort uint16    `json:"destination_port"`
	DestinationIP   string    `json:"destination_ip"`
	ID              uuid.UUID `json:"id"`
}

// ModifyCommand retargets an existing tunnel's destination.
type ModifyCommand struct {
	DestinationPort uint16    `json:"destination_port"`
	DestinationIP   string    `json:"destination_ip"`
	ID              uuid.UUID `json:"id"`
}

// DeleteCommand removes a tunnel.
type DeleteCommand struct {
	ID uuid.UUID `json:"id"`
}

// Command is the tagged union of the four recognized command variants.
// Exactly one of Create, Modify, Delete is populated, selected by Kind;
// KindStatus carries no payload.
type Command struct {
	Kind   Kind
	Create CreateCommand
	Modify ModifyCommand
	Delete DeleteCommand
}

// wireCreate, wireModify, wireDelete, wireStatus are the single-key wire
// shapes used for canonical marshaling: field order follows declaration
// order, which encoding/json preserves for structs, giving byte-stable
// output across repeated calls.
type wireCreate struct {
	Create CreateCommand `json:"create"`
}

type wireModify struct {
	Modify ModifyCommand `json:"modify"`
}

type wireDelete struct {
	Delete DeleteCommand `json:"delete"`
}

type wireStatus struct {
	Status struct{} `json:"status"`
}

// MarshalJSON produces the canonical, deterministic wire representation:
// a single lower-snake-cased key naming the variant, wrapping the inner
// object. This is the signed surface for control.Verify; any deviation
// here breaks every existing signature.
func (c Command) MarshalJSON() ([]byte, error) {
	switch c.Kind {
	case KindCreate:
		return json.Marshal(wireCreate{Create: c.Create})
	case KindModify:
		return json.Marshal(wireModify{Modify: c.Modify})
	case KindDelete:
		return json.Marshal(wireDelete{Delete: c.Delete})
	case KindStatus:
		return json.Marshal(wireStatus{})
	default:
		return nil, fmt.Errorf("control: command: unknown kind %q", c.Kind)
	}
}

// UnmarshalJSON parses a command object back into a Command. data may be a
// bare command (exactly one variant key) or a full envelope body, where the
// variant key sits alongside the envelope's own "timestamp" and "signature"
// siblings (see ParseEnvelope) — those two are recognized and ignored here
// rather than rejected as extra variant keys.
func (c *Command) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("control: command: %w", err)
	}
	delete(raw, "timestamp")
	delete(raw, "signature")
	if len(raw) != 1 {
		return fmt.Errorf("control: command: expected exactly one variant key, got %d", len(raw))
	}

	switch {
	case raw["create"] != nil:
		var cc CreateCommand
		if err := json.Unmarshal(raw["create"], &cc); err != nil {
			return fmt.Errorf("control: command: create: %w", err)
		}
		*c = Command{Kind: KindCreate, Create: cc}
	case raw["modify"] != nil:
		var mc ModifyCommand
		if err := json.Unmarshal(raw["modify"], &mc); err != nil {
			return fmt.Errorf("control: command: modify: %w", err)
		}
		*c = Command{Kind: KindModify, Modify: mc}
	case raw["delete"] != nil:
		var dc DeleteCommand
		if err := json.Unmarshal(raw["delete"], &dc); err != nil {
			return fmt.Errorf("control: command: delete: %w", err)
		}
		*c = Command{Kind: KindDelete, Delete: dc}
	case raw["status"] != nil:
		*c = Command{Kind: KindStatus}
	default:
		return fmt.Errorf("control: command: unrecognized variant key")
	}
	return nil
}

// DestinationIPAddr parses the create command's destination_ip.
func (c CreateCommand) DestinationIPAddr() (net.IP, error) {
	ip := net.ParseIP(c.DestinationIP)
	if ip == nil {
		return nil, fmt.Errorf("control: create: invalid destination_ip %q", c.DestinationIP)
	}
	return ip, nil
}

// DestinationIPAddr parses the modify command's destination_ip.
func (c ModifyCommand) DestinationIPAddr() (net.IP, error) {
	ip := net.ParseIP(c.DestinationIP)
	if ip == nil {
		return nil, fmt.Errorf("control: modify: invalid destination_ip %q", c.DestinationIP)
	}
	return ip, nil
}

// canonicalBytes returns the exact bytes of the command's canonical
// marshaling, with no surrounding whitespace — the surface
// signatures are computed and verified over.
func canonicalBytes(c Command) ([]byte, error) {
	buf, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return bytes.TrimSpace(buf), nil
}
