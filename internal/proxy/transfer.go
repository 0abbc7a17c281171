package proxy

import (
	"context"
	"io"
	"log/slog"
	"net"
)

// transfer is the full-duplex byte-copy pipeline servicing one accepted
// inbound connection. It dials the tunnel's current destination and copies
// in both directions, racing the copies against the tunnel's control
// channel. A destination change observed mid-transfer closes both ends of
// the pipeline rather than rewiring it: the client reconnects and the next
// connection picks up the new destination.
type transfer struct {
	tunnelID TunnelID
	control  *ControlChannel
	dialer   *net.Dialer
	logger   *slog.Logger
	inbound  net.Conn
}

func (t *transfer) run() {
	defer t.inbound.Close()

	version, msg := t.control.Latest()
	if msg.Kind == Close {
		return
	}

	outbound, err := t.dialer.Dial("tcp", msg.Destination.String())
	if err != nil {
		t.logger.Error("transfer: dial failed",
			"tunnel_id", t.tunnelID, "destination", msg.Destination.String(), "error", err)
		return
	}
	defer outbound.Close()

	t.copyUntilDone(outbound, version)
}

// copyDirection is the outcome of one half-duplex io.Copy.
type copyDirection struct {
	name string
	err  error
}

// copyUntilDone runs both copy directions against outbound and races them
// against the next control-channel change. Whichever happens first — both
// directions completing, a direction erroring, or a new control message
// (Open or Close, either one means the destination is no longer current) —
// it closes both ends of the pipeline so the other goroutine unblocks, then
// waits for it to finish before returning.
func (t *transfer) copyUntilDone(outbound net.Conn, lastVersion uint64) {
	copyDone := make(chan copyDirection, 2)

	go func() {
		_, err := io.Copy(outbound, t.inbound)
		if tc, ok := outbound.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
		copyDone <- copyDirection{"client->server", err}
	}()
	go func() {
		_, err := io.Copy(t.inbound, outbound)
		if tc, ok := t.inbound.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
		copyDone <- copyDirection{"server->client", err}
	}()

	awaitCtx, cancelAwait := context.WithCancel(context.Background())
	defer cancelAwait()
	ctrlCh := make(chan struct{}, 1)
	go func() {
		_, _, ok := t.control.Await(awaitCtx, lastVersion)
		if ok {
			ctrlCh <- struct{}{}
		}
	}()

	completed := 0
	for completed < 2 {
		select {
		case res := <-copyDone:
			completed++
			if res.err != nil {
				t.logger.Error("transfer: copy direction failed",
					"tunnel_id", t.tunnelID, "direction", res.name, "error", res.err)
				t.inbound.Close()
				outbound.Close()
				drainCopies(copyDone, completed)
				return
			}
		case <-ctrlCh:
			t.logger.Info("transfer: destination changed, closing connection", "tunnel_id", t.tunnelID)
			t.inbound.Close()
			outbound.Close()
			drainCopies(copyDone, completed)
			return
		}
	}
}

func drainCopies(copyDone <-chan copyDirection, completed int) {
	for ; completed < 2; completed++ {
		<-copyDone
	}
}
