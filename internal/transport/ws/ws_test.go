package ws

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/sthibaul/galera/internal/transport"
)

type muxAdapter struct {
	*mux.Router
}

func (m muxAdapter) Handle(pattern string, handler http.Handler) {
	m.Router.Handle(pattern, handler)
}

func TestDialAndAccept(t *testing.T) {
	router := mux.NewRouter()
	p := Provider{Mux: muxAdapter{router}}

	l, err := p.Listen("ws://127.0.0.1:0/mesh")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()

	srv := httptest.NewServer(router)
	defer srv.Close()

	wsAddr := "ws://" + strings.TrimPrefix(srv.URL, "http://") + "/mesh"

	serverRecv := make(chan []byte, 1)
	accepted := make(chan transport.Conn, 1)
	go func() {
		c, err := l.Accept(func(fd int, dg []byte) {
			if dg != nil {
				serverRecv <- dg
			}
		})
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		accepted <- c
	}()

	clientRecv := make(chan []byte, 1)
	clientConn, err := p.Dial(wsAddr, func(fd int, dg []byte) {
		if dg != nil {
			clientRecv <- dg
		}
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer clientConn.Close()

	var serverConn transport.Conn
	select {
	case serverConn = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Accept")
	}
	defer serverConn.Close()

	if clientConn.State() != transport.Connected {
		t.Fatalf("client state = %v, want Connected", clientConn.State())
	}

	want := []byte("hello mesh")
	if err := clientConn.Send(want); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case got := <-serverRecv:
		if string(got) != string(want) {
			t.Fatalf("server got %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server to receive datagram")
	}

	reply := []byte("hello back")
	if err := serverConn.Send(reply); err != nil {
		t.Fatalf("server Send: %v", err)
	}
	select {
	case got := <-clientRecv:
		if string(got) != string(reply) {
			t.Fatalf("client got %q, want %q", got, reply)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client to receive reply")
	}
}

func TestSplitAddrRejectsWrongScheme(t *testing.T) {
	if _, _, err := splitAddr("tcp://127.0.0.1:4567"); err == nil {
		t.Fatal("expected an error for a non-ws scheme")
	}
}

func TestSplitAddrDefaultsPath(t *testing.T) {
	hostport, path, err := splitAddr("ws://127.0.0.1:4567")
	if err != nil {
		t.Fatalf("splitAddr: %v", err)
	}
	if hostport != "127.0.0.1:4567" {
		t.Fatalf("hostport = %q, want 127.0.0.1:4567", hostport)
	}
	if path != "/" {
		t.Fatalf("path = %q, want /", path)
	}
}

func TestDialRejectsUnreachableAddr(t *testing.T) {
	_, err := Provider{}.Dial(fmt.Sprintf("ws://127.0.0.1:1/nowhere"), nil)
	if err == nil {
		t.Fatal("expected Dial to an unreachable address to fail")
	}
}
