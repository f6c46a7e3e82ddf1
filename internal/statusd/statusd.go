// Package statusd exposes a GMCast mesh controller's current state as
// read-only JSON over HTTP, in the teacher's gorilla/mux REST-agent style,
// built on top of mesh.Mesh.RequestSnapshot so the HTTP goroutine never
// touches the controller's internal maps directly.
package statusd

import (
	"encoding/json"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/gorilla/mux"

	"github.com/sthibaul/galera/internal/mesh"
)

// Server answers status queries about one Mesh.
type Server struct {
	router *mux.Router
	m      *mesh.Mesh
}

// New registers the status routes on router.
func New(router *mux.Router, m *mesh.Mesh) *Server {
	s := &Server{router: router, m: m}
	s.router.HandleFunc("/peers", s.handlePeers).Methods(http.MethodGet)
	s.router.HandleFunc("/addrbook", s.handleAddrBook).Methods(http.MethodGet)
	s.router.HandleFunc("/linkmap", s.handleLinkMap).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	return s
}

// ServeHTTP lets a Server be mounted directly as a http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) snapshot(w http.ResponseWriter) (mesh.Snapshot, bool) {
	snap, err := s.m.RequestSnapshot()
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		writeJSON(w, map[string]string{"error": err.Error()})
		return mesh.Snapshot{}, false
	}
	return snap, true
}

func (s *Server) handlePeers(w http.ResponseWriter, _ *http.Request) {
	snap, ok := s.snapshot(w)
	if !ok {
		return
	}
	writeJSON(w, snap.Peers)
}

func (s *Server) handleAddrBook(w http.ResponseWriter, _ *http.Request) {
	snap, ok := s.snapshot(w)
	if !ok {
		return
	}
	writeJSON(w, map[string]interface{}{
		"pending": snap.Pending,
		"remote":  snap.Remote,
	})
}

func (s *Server) handleLinkMap(w http.ResponseWriter, _ *http.Request) {
	snap, ok := s.snapshot(w)
	if !ok {
		return
	}
	writeJSON(w, snap.Links)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snap, ok := s.snapshot(w)
	if !ok {
		return
	}
	writeJSON(w, snap)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("statusd: failed to write JSON response")
	}
}
