package proxmox

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
)

func newTicketStub(t *testing.T) (*httptest.Server, *int64) {
	t.Helper()
	var logins int64
	mux := http.NewServeMux()
	mux.HandleFunc("/api2/json/access/ticket", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if body["username"] != "exam@pve" || body["password"] != "hunter2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		atomic.AddInt64(&logins, 1)
		fmt.Fprint(w, `{"data": {"ticket": "PVE:exam@pve:AAAA", "CSRFPreventionToken": "csrf-token"}}`)
	})
	mux.HandleFunc("/api2/json/", func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie("PVEAuthCookie")
		if err != nil || cookie.Value != "PVE:exam@pve:AAAA" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Method != http.MethodGet && r.Header.Get("CSRFPreventionToken") != "csrf-token" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		fmt.Fprint(w, `{"data": 105}`)
	})
	return httptest.NewServer(mux), &logins
}

func newTicketClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := New(Options{
		Host:     baseURL,
		Node:     "pve1",
		Username: "exam@pve",
		Password: "hunter2",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestInteractiveTicket_LoginOnceAcrossCalls(t *testing.T) {
	srv, logins := newTicketStub(t)
	defer srv.Close()
	c := newTicketClient(t, srv.URL)

	if _, err := c.NextID(context.Background()); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, err := c.NextID(context.Background()); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if got := atomic.LoadInt64(logins); got != 1 {
		t.Fatalf("expected 1 login, got %d", got)
	}
}

func TestInteractiveTicket_CSRFOnWrites(t *testing.T) {
	srv, _ := newTicketStub(t)
	defer srv.Close()
	c := newTicketClient(t, srv.URL)

	// The stub rejects writes missing the CSRF header with 403, which
	// Start would collapse into false.
	if !c.Start(context.Background(), 105) {
		t.Fatal("expected start to succeed with CSRF header attached")
	}
}

func TestInteractiveTicket_ConcurrentFirstUseSingleLogin(t *testing.T) {
	srv, logins := newTicketStub(t)
	defer srv.Close()
	c := newTicketClient(t, srv.URL)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.NextID(context.Background())
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if got := atomic.LoadInt64(logins); got != 1 {
		t.Fatalf("expected concurrent first use to collapse into 1 login, got %d", got)
	}
}

func TestInteractiveTicket_BadCredentials(t *testing.T) {
	srv, _ := newTicketStub(t)
	defer srv.Close()

	c, err := New(Options{Host: srv.URL, Node: "pve1", Username: "exam@pve", Password: "wrong"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.NextID(context.Background()); err == nil {
		t.Fatal("expected login failure to surface")
	}
}
