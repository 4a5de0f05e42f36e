// Package statusapi is an optional, off-by-default HTTP surface for
// operational visibility into a running node: connection manager
// counters and a redacted FingerSpace export. It never mutates
// FingerSpace, only reads through Space.Export and the manager's
// counters, so it adds no invariants to the components it observes.
package statusapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/onionmesh/onionmesh/connmgr"
	"github.com/onionmesh/onionmesh/finger"
)

// Server exposes GET /status and GET /fingers over the configured
// listen address. It is never started unless CFG_STATUS_ADDR is set.
type Server struct {
	addr  string
	mgr   *connmgr.Manager
	self  finger.Finger
	space *finger.Space
	srv   *http.Server
}

// New builds a Server bound to addr (not yet listening).
func New(addr string, self finger.Finger, space *finger.Space, mgr *connmgr.Manager) *Server {
	s := &Server{addr: addr, mgr: mgr, self: self, space: space}

	r := chi.NewRouter()
	r.Get("/status", s.handleStatus)
	r.Get("/fingers", s.handleFingers)
	s.srv = &http.Server{Addr: addr, Handler: r}
	return s
}

// ListenAndServe blocks serving HTTP until the server is shut down.
func (s *Server) ListenAndServe() error {
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Close shuts the HTTP server down.
func (s *Server) Close() error {
	return s.srv.Close()
}

type statusResponse struct {
	Ident      string `json:"ident"`
	Addr       string `json:"addr"`
	Successes  int64  `json:"successes"`
	Failures   int64  `json:"failures"`
	FingerSize int    `json:"finger_count"`
	Added      int    `json:"finger_added_total"`
	Removed    int    `json:"finger_removed_total"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Ident:      s.self.Ident,
		Addr:       s.self.DialAddr(),
		Successes:  s.mgr.Successes(),
		Failures:   s.mgr.Failures(),
		FingerSize: s.space.Len(),
		Added:      s.space.Added(),
		Removed:    s.space.Removed(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// redactedFinger omits the raw public key bytes — the status surface is
// for operational visibility, not for replaying a peer's identity.
type redactedFinger struct {
	Ident string `json:"ident"`
	Addr  string `json:"addr"`
	Port  uint16 `json:"port"`
}

func (s *Server) handleFingers(w http.ResponseWriter, r *http.Request) {
	fingers := s.space.Export()
	out := make([]redactedFinger, 0, len(fingers))
	for _, f := range fingers {
		out = append(out, redactedFinger{Ident: f.Ident, Addr: f.Addr, Port: f.Port})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
