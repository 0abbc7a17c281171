// Package proxy implements the tunnel runtime: the registry of live
// tunnels, the per-tunnel control channel, and the listener and transfer
// goroutines that move bytes between an inbound TCP connection and a
// reconfigurable destination.
package proxy

import (
	"fmt"
	"net"
	"strconv"

	"github.com/google/uuid"
)

// TunnelID identifies a tunnel, supplied by the client as a UUID.
type TunnelID = uuid.UUID

// Destination is the forwarding target a tunnel's transfers dial.
type Destination struct {
	IP   net.IP
	Port uint16
}

// String renders the destination as host:port.
func (d Destination) String() string {
	return net.JoinHostPort(d.IP.String(), strconv.Itoa(int(d.Port)))
}

// MessageKind tags a ControlMessage as either a retarget or a teardown.
type MessageKind int

const (
	// Open instructs the listener and transfers to (re)target Destination.
	Open MessageKind = iota
	// Close instructs the listener to stop accepting and transfers to tear down.
	Close
)

func (k MessageKind) String() string {
	switch k {
	case Open:
		return "open"
	case Close:
		return "close"
	default:
		return fmt.Sprintf("MessageKind(%d)", int(k))
	}
}

// ControlMessage is the value published on a tunnel's control channel.
type ControlMessage struct {
	Kind        MessageKind
	Destination Destination
}

// TunnelStatus is one entry of a registry status snapshot.
type TunnelStatus struct {
	IncomingPort uint16
	Destination  Destination
}
