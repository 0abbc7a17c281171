// Package httpapi exposes the control-plane HTTP surface: the liveness
// root and the signed command dispatcher, translating envelope verification
// and registry results into the response shapes and status codes.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/plexsphere/tunneld/internal/control"
	"github.com/plexsphere/tunneld/internal/proxy"
)

// maxCommandBodyBytes bounds the size of a POST /command body.
const maxCommandBodyBytes = 1 << 16

// Handler dispatches the two HTTP endpoints onto a tunnel Registry, guarded
// by an optional command-envelope VerifyingKey.
type Handler struct {
	registry *proxy.Registry
	key      *control.VerifyingKey
	logger   *slog.Logger
	now      func() time.Time
}

// NewHandler creates a Handler. key may be nil, disabling signature
// verification (development mode), per control.Verify's rule 1.
func NewHandler(registry *proxy.Registry, key *control.VerifyingKey, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		registry: registry,
		key:      key,
		logger:   logger.With("component", "httpapi"),
		now:      time.Now,
	}
}

// Mux returns a configured ServeMux with the two control-plane routes.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", h.handleRoot)
	mux.HandleFunc("POST /command", h.handleCommand)
	return mux
}

func (h *Handler) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "Hello, World!")
}

// statusBody is the JSON shape of a successful status response.
type statusBody struct {
	Status struct {
		Tunnels map[string]tunnelEntry `json:"tunnels"`
	} `json:"Status"`
}

// tunnelEntry marshals as the two-element array [port, "ip:port"] the
// response-body shape requires.
type tunnelEntry struct {
	port uint16
	dest string
}

func (e tunnelEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{e.port, e.dest})
}

func (h *Handler) handleCommand(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBodyBytes+1))
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(body) > maxCommandBodyBytes {
		writeMessage(w, http.StatusBadRequest, "request body too large")
		return
	}

	env, err := control.ParseEnvelope(body)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "malformed command envelope")
		return
	}

	if !control.Verify(env, h.key, h.now()) {
		writeMessage(w, http.StatusUnauthorized, "signature verification failed")
		return
	}

	switch env.Command.Kind {
	case control.KindCreate:
		h.handleCreate(w, env.Command.Create)
	case control.KindModify:
		h.handleModify(w, env.Command.Modify)
	case control.KindDelete:
		h.handleDelete(w, env.Command.Delete)
	case control.KindStatus:
		h.handleStatus(w)
	default:
		writeMessage(w, http.StatusBadRequest, "unrecognized command")
	}
}

func (h *Handler) handleCreate(w http.ResponseWriter, cmd control.CreateCommand) {
	ip, err := cmd.DestinationIPAddr()
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	dest := proxy.Destination{IP: ip, Port: cmd.DestinationPort}

	err = h.registry.Create(cmd.ID, cmd.IncomingPort, dest)
	switch {
	case err == nil:
		writeMessage(w, http.StatusAccepted, "Success")
	case errors.Is(err, proxy.ErrConflict):
		writeMessage(w, http.StatusConflict, err.Error())
	case errors.Is(err, proxy.ErrBind):
		h.logger.Error("create: bind failed", "error", err)
		writeMessage(w, http.StatusInternalServerError, "failed to bind listener")
	default:
		h.logger.Error("create: unexpected error", "error", err)
		writeMessage(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) handleModify(w http.ResponseWriter, cmd control.ModifyCommand) {
	ip, err := cmd.DestinationIPAddr()
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	dest := proxy.Destination{IP: ip, Port: cmd.DestinationPort}

	err = h.registry.Modify(cmd.ID, dest)
	switch {
	case err == nil:
		writeMessage(w, http.StatusAccepted, "Success")
	case errors.Is(err, proxy.ErrNotFound):
		writeMessage(w, http.StatusNotFound, err.Error())
	default:
		h.logger.Error("modify: unexpected error", "error", err)
		writeMessage(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) handleDelete(w http.ResponseWriter, cmd control.DeleteCommand) {
	err := h.registry.Delete(cmd.ID)
	switch {
	case err == nil:
		writeMessage(w, http.StatusAccepted, "Success")
	case errors.Is(err, proxy.ErrNotFound):
		writeMessage(w, http.StatusNotFound, err.Error())
	default:
		h.logger.Error("delete: unexpected error", "error", err)
		writeMessage(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) handleStatus(w http.ResponseWriter) {
	snap := h.registry.Status()

	var body statusBody
	body.Status.Tunnels = make(map[string]tunnelEntry, len(snap))
	for id, st := range snap {
		body.Status.Tunnels[id.String()] = tunnelEntry{port: st.IncomingPort, dest: st.Destination.String()}
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"Message": msg})
}
