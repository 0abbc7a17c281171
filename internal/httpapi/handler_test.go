package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/plexsphere/tunneld/internal/proxy"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T) (*httptest.Server, *proxy.Registry) {
	t.Helper()
	reg := proxy.NewRegistry(discardLogger())
	h := NewHandler(reg, nil, discardLogger())
	srv := httptest.NewServer(h.Mux())
	t.Cleanup(srv.Close)
	t.Cleanup(func() { reg.Shutdown(context.Background()) })
	return srv, reg
}

func startEchoServer(t *testing.T) (addr string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						if _, werr := c.Write(buf[:n]); werr != nil {
							return
						}
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func postCommand(t *testing.T, srv *httptest.Server, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(srv.URL+"/command", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /command: %v", err)
	}
	return resp
}

func TestHandler_Root(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "Hello, World!" {
		t.Fatalf("body = %q, want %q", body, "Hello, World!")
	}
}

// TestHandler_CreateAndEcho covers scenario S1.
func TestHandler_CreateAndEcho(t *testing.T) {
	srv, _ := newTestServer(t)
	echoAddr := startEchoServer(t)
	_, echoPort, _ := net.SplitHostPort(echoAddr)
	port := freePort(t)
	id := uuid.New()

	reqBody := `{"create":{"incoming_port":` + itoa(port) + `,"destination_port":` + echoPort + `,"destination_ip":"127.0.0.1","id":"` + id.String() + `"}}`
	resp := postCommand(t, srv, reqBody)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("create status = %d, want 202", resp.StatusCode)
	}

	conn := dialWithRetry(t, port)
	defer conn.Close()
	if _, err := conn.Write([]byte("ping\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if line != "ping\n" {
		t.Fatalf("echoed = %q, want %q", line, "ping\n")
	}
}

// TestHandler_PortConflict covers scenario S2.
func TestHandler_PortConflict(t *testing.T) {
	srv, _ := newTestServer(t)
	echoAddr := startEchoServer(t)
	_, echoPort, _ := net.SplitHostPort(echoAddr)
	port := freePort(t)
	id := uuid.New()

	reqBody := `{"create":{"incoming_port":` + itoa(port) + `,"destination_port":` + echoPort + `,"destination_ip":"127.0.0.1","id":"` + id.String() + `"}}`
	resp := postCommand(t, srv, reqBody)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("create status = %d, want 202", resp.StatusCode)
	}

	otherID := uuid.New()
	conflictBody := `{"create":{"incoming_port":` + itoa(port) + `,"destination_port":` + echoPort + `,"destination_ip":"127.0.0.1","id":"` + otherID.String() + `"}}`
	resp2 := postCommand(t, srv, conflictBody)
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusConflict {
		t.Fatalf("conflicting create status = %d, want 409", resp2.StatusCode)
	}
	var msg map[string]string
	if err := json.NewDecoder(resp2.Body).Decode(&msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(msg["Message"], itoa(port)) {
		t.Fatalf("message = %q, want it to mention port %d", msg["Message"], port)
	}
}

// TestHandler_DeleteUnknown covers the NotFound branch of delete.
func TestHandler_DeleteUnknown(t *testing.T) {
	srv, _ := newTestServer(t)
	id := uuid.New()
	resp := postCommand(t, srv, `{"delete":{"id":"`+id.String()+`"}}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

// TestHandler_Status covers scenario S6.
func TestHandler_Status(t *testing.T) {
	srv, _ := newTestServer(t)
	echoAddr := startEchoServer(t)
	_, echoPort, _ := net.SplitHostPort(echoAddr)

	id1, id2 := uuid.New(), uuid.New()
	port1, port2 := freePort(t), freePort(t)
	for _, pair := range []struct {
		id   uuid.UUID
		port int
	}{{id1, port1}, {id2, port2}} {
		reqBody := `{"create":{"incoming_port":` + itoa(pair.port) + `,"destination_port":` + echoPort + `,"destination_ip":"127.0.0.1","id":"` + pair.id.String() + `"}}`
		resp := postCommand(t, srv, reqBody)
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("create status = %d, want 202", resp.StatusCode)
		}
	}

	resp := postCommand(t, srv, `{"status":{}}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Status struct {
			Tunnels map[string][2]any `json:"tunnels"`
		} `json:"Status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Status.Tunnels) != 2 {
		t.Fatalf("tunnels = %d, want 2", len(body.Status.Tunnels))
	}
	if _, ok := body.Status.Tunnels[id1.String()]; !ok {
		t.Fatalf("missing id1 in status")
	}
}

func TestHandler_MalformedBody(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := postCommand(t, srv, `not json`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func dialWithRetry(t *testing.T, port int) net.Conn {
	t.Helper()
	addr := net.JoinHostPort("127.0.0.1", itoa(port))
	deadline := time.Now().Add(2 * time.Second)
	var lastErr error
	for time.Now().Before(deadline) {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			return conn
		}
		lastErr = err
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("dial %s: %v", addr, lastErr)
	return nil
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
