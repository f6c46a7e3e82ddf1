package statusd

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"

	"github.com/sthibaul/galera/internal/gmid"
	"github.com/sthibaul/galera/internal/mesh"
	"github.com/sthibaul/galera/internal/protostack"
	"github.com/sthibaul/galera/internal/transport"
	"github.com/sthibaul/galera/internal/transport/tcp"
)

func freePort(t *testing.T) int {
	t.Helper()
	addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ResolveTCPAddr: %v", err)
	}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		t.Fatalf("ListenTCP: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestStatusEndpointsReturnEmptyMesh(t *testing.T) {
	port := freePort(t)
	m := mesh.New(mesh.Config{
		MyUUID:      gmid.New(),
		GroupName:   "g",
		ListenAddr:  fmt.Sprintf("tcp://127.0.0.1:%d", port),
		MaxRetryCnt: mesh.DefaultMaxRetryCnt,
	}, map[string]transport.Provider{"tcp": tcp.Provider{}}, protostack.New(), nil)

	if err := m.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	m.Run()
	defer m.Close()

	srv := New(mux.NewRouter(), m)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/status", nil)
	srv.ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("status code = %d, want 200", rec.Code)
	}
	var snap mesh.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(snap.Peers) != 0 {
		t.Fatalf("expected no peers, got %d", len(snap.Peers))
	}
}
