package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"
)

// tunnelRecord is the registry's internal bookkeeping for one live tunnel.
type tunnelRecord struct {
	id           TunnelID
	incomingPort uint16
	destination  Destination
	control      *ControlChannel
	listener     net.Listener
	done         chan struct{} // closed when the listener loop exits
}

// Registry is the sole, process-wide authority over tunnel records and port
// reservations. Create, Modify, Delete, and Status are mutually exclusive
// over the tunnel map and port set; no network I/O is ever performed while
// the registry mutex is held.
type Registry struct {
	logger *slog.Logger
	dialer net.Dialer
	lc     net.ListenConfig

	mu       sync.Mutex
	tunnels  map[TunnelID]*tunnelRecord
	ports    map[uint16]TunnelID
	pending  map[TunnelID]struct{} // ids reserved while a bind is in flight
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:  logger.With("component", "proxy"),
		lc:      reuseAddrListenConfig(),
		tunnels: make(map[TunnelID]*tunnelRecord),
		ports:   make(map[uint16]TunnelID),
		pending: make(map[TunnelID]struct{}),
	}
}

// Create reserves id and incomingPort, binds a listener on incomingPort,
// and spawns the listener loop. On any failure after the port is reserved
// the reservation and any partial state are rolled back before returning.
func (r *Registry) Create(id TunnelID, incomingPort uint16, dest Destination) error {
	r.mu.Lock()
	if _, exists := r.tunnels[id]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: tunnel %s already exists", ErrConflict, id)
	}
	if _, exists := r.pending[id]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: tunnel %s already exists", ErrConflict, id)
	}
	if owner, exists := r.ports[incomingPort]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: port %d is bound by tunnel %s", ErrConflict, incomingPort, owner)
	}
	r.ports[incomingPort] = id
	r.pending[id] = struct{}{}
	r.mu.Unlock()

	ln, err := r.lc.Listen(context.Background(), "tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(int(incomingPort))))
	if err != nil {
		r.mu.Lock()
		delete(r.ports, incomingPort)
		delete(r.pending, id)
		r.mu.Unlock()
		return fmt.Errorf("%w: listen on port %d: %v", ErrBind, incomingPort, err)
	}

	rec := &tunnelRecord{
		id:           id,
		incomingPort: incomingPort,
		destination:  dest,
		control:      NewControlChannel(ControlMessage{Kind: Open, Destination: dest}),
		listener:     ln,
		done:         make(chan struct{}),
	}

	r.mu.Lock()
	delete(r.pending, id)
	r.tunnels[id] = rec
	r.mu.Unlock()

	go r.listenerLoop(rec)

	r.logger.Info("tunnel created",
		"tunnel_id", id,
		"incoming_port", incomingPort,
		"destination", dest.String(),
	)
	return nil
}

// Modify updates id's destination and broadcasts Open{destination} on its
// control channel, in the same critical section so no concurrent Modify can
// interleave a destination write with a broadcast.
func (r *Registry) Modify(id TunnelID, dest Destination) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.tunnels[id]
	if !ok {
		return fmt.Errorf("%w: tunnel %s", ErrNotFound, id)
	}
	rec.destination = dest
	rec.control.Publish(ControlMessage{Kind: Open, Destination: dest})

	r.logger.Info("tunnel modified", "tunnel_id", id, "destination", dest.String())
	return nil
}

// Delete removes id, releases its port, and broadcasts Close on its control
// channel. The removal (from the client's point of view) is atomic: once
// Delete returns, a second Delete for the same id returns ErrNotFound.
func (r *Registry) Delete(id TunnelID) error {
	r.mu.Lock()
	rec, ok := r.tunnels[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: tunnel %s", ErrNotFound, id)
	}
	delete(r.tunnels, id)
	delete(r.ports, rec.incomingPort)
	r.mu.Unlock()

	rec.control.Publish(ControlMessage{Kind: Close})

	r.logger.Info("tunnel deleted", "tunnel_id", id)
	return nil
}

// Status returns a snapshot of every live tunnel.
func (r *Registry) Status() map[TunnelID]TunnelStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := make(map[TunnelID]TunnelStatus, len(r.tunnels))
	for id, rec := range r.tunnels {
		snapshot[id] = TunnelStatus{IncomingPort: rec.incomingPort, Destination: rec.destination}
	}
	return snapshot
}

// Shutdown closes every live tunnel concurrently and waits for every
// listener loop to exit or ctx to be done, whichever comes first.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	recs := make([]*tunnelRecord, 0, len(r.tunnels))
	for id, rec := range r.tunnels {
		delete(r.tunnels, id)
		delete(r.ports, rec.incomingPort)
		recs = append(recs, rec)
	}
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, rec := range recs {
		rec.control.Publish(ControlMessage{Kind: Close})
		rec := rec
		g.Go(func() error {
			select {
			case <-rec.done:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	}
	return g.Wait()
}

// listenerLoop accepts connections on rec's listener, spawning a transfer
// per connection, until Close is observed on rec's control channel.
// A background watcher closes the listener as soon as Close is published,
// which is what unblocks a pending Accept.
func (r *Registry) listenerLoop(rec *tunnelRecord) {
	defer close(rec.done)

	go r.watchForClose(rec)

	for {
		conn, err := rec.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			r.logger.Warn("tunnel accept error", "tunnel_id", rec.id, "error", err)
			continue
		}
		go r.runTransfer(rec, conn)
	}
}

// watchForClose observes rec's control channel and closes the listener the
// moment a Close is published, unblocking Accept. Open messages are logged;
// the listener itself never redials — only transfers do.
func (r *Registry) watchForClose(rec *tunnelRecord) {
	version, _ := rec.control.Latest()
	for {
		v, msg, ok := rec.control.Await(context.Background(), version)
		if !ok {
			return
		}
		version = v
		switch msg.Kind {
		case Open:
			r.logger.Info("tunnel destination changed", "tunnel_id", rec.id, "destination", msg.Destination.String())
		case Close:
			rec.listener.Close()
			return
		}
	}
}

func (r *Registry) runTransfer(rec *tunnelRecord, conn net.Conn) {
	t := &transfer{
		tunnelID: rec.id,
		control:  rec.control,
		dialer:   &r.dialer,
		logger:   r.logger,
		inbound:  conn,
	}
	t.run()
}
