package engine_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/vortex/perp-engine/internal/engine"
)

func dialWS(t *testing.T, srv *httptest.Server, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	return websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), header)
}

func TestWSHub_OriginCheck(t *testing.T) {
	hub := engine.NewWSHub(nil, []string{"https://app.example.com"})
	go hub.Run()
	defer hub.Stop()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := dialWS(t, srv, "https://app.example.com")
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	conn.Close()

	if _, resp, err := dialWS(t, srv, "https://evil.example.com"); err == nil {
		t.Error("expected a foreign origin to be rejected")
	} else if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 for a foreign origin, got %v", resp)
	}
}

func TestWSHub_WildcardOrigin(t *testing.T) {
	hub := engine.NewWSHub(nil, []string{"*"})
	go hub.Run()
	defer hub.Stop()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := dialWS(t, srv, "https://anywhere.example.org")
	if err != nil {
		t.Fatalf("wildcard should admit any origin: %v", err)
	}
	conn.Close()
}
