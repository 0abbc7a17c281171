package proxy

import "errors"

// Sentinel errors the command dispatcher maps to HTTP status codes via
// errors.Is, mirroring the teacher's APIError.Is sentinel-matching scheme.
var (
	// ErrConflict is returned when a tunnel id or incoming port is already
	// in use.
	ErrConflict = errors.New("proxy: conflict")
	// ErrNotFound is returned when a tunnel id does not exist.
	ErrNotFound = errors.New("proxy: not found")
	// ErrBind is returned when the OS refuses to bind the tunnel's listener.
	ErrBind = errors.New("proxy: bind failed")
)
