package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWANAddrParsesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("action"); got != "get_wan_ip" {
			t.Errorf("action = %q", got)
		}
		w.Write([]byte("203.0.113.7\n"))
	}))
	defer srv.Close()

	ip, err := NewHTTPProber(srv.URL).WANAddr(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ip.String() != "203.0.113.7" {
		t.Fatalf("got %v", ip)
	}
}

func TestWANAddrRejectsGarbage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not an ip"))
	}))
	defer srv.Close()

	if _, err := NewHTTPProber(srv.URL).WANAddr(context.Background()); err == nil {
		t.Fatal("expected error for non-IP response body")
	}
}

func TestWANAddrPropagatesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	if _, err := NewHTTPProber(srv.URL).WANAddr(context.Background()); err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestWANAddrWithoutBaseFails(t *testing.T) {
	if _, err := NewHTTPProber("").WANAddr(context.Background()); err == nil {
		t.Fatal("expected configuration error without a base URL")
	}
}

func TestIsPortForwardedYes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("action") != "is_port_forwarded" || q.Get("port") != "40001" || q.Get("proto") != "TCP" {
			t.Errorf("unexpected query %v", q)
		}
		w.Write([]byte("yes"))
	}))
	defer srv.Close()

	ok, err := NewHTTPProber(srv.URL).IsPortForwarded(context.Background(), 40001, "tcp")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected true for a yes response")
	}
}

func TestIsPortForwardedNo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("no"))
	}))
	defer srv.Close()

	ok, err := NewHTTPProber(srv.URL).IsPortForwarded(context.Background(), 40001, "tcp")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected false for a no response")
	}
}

func TestIsPortForwardedRejectsUnrecognizedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("maybe"))
	}))
	defer srv.Close()

	if _, err := NewHTTPProber(srv.URL).IsPortForwarded(context.Background(), 40001, "tcp"); err == nil {
		t.Fatal("expected error for a body that is neither yes nor no")
	}
}
