package proxmox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// stubAPI is a minimal Proxmox endpoint: it records every request and
// serves canned payloads, allocating nextid values sequentially.
type stubAPI struct {
	mu       sync.Mutex
	requests []string
	nextID   int
	failOps  map[string]int // path suffix -> HTTP status to return
}

func newStubAPI() *stubAPI {
	return &stubAPI{nextID: 105, failOps: make(map[string]int)}
}

func (s *stubAPI) handler(t *testing.T) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api2/json/", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, r.Method+" "+r.URL.Path)
		for suffix, status := range s.failOps {
			if len(r.URL.Path) >= len(suffix) && r.URL.Path[len(r.URL.Path)-len(suffix):] == suffix {
				s.mu.Unlock()
				w.WriteHeader(status)
				return
			}
		}
		s.mu.Unlock()

		switch {
		case r.URL.Path == "/api2/json/cluster/nextid":
			s.mu.Lock()
			id := s.nextID
			s.nextID++
			s.mu.Unlock()
			// Numeric string, the shape older nodes emit.
			fmt.Fprintf(w, `{"data": "%d"}`, id)
		case r.URL.Path == "/api2/json/nodes/pve1/qemu":
			fmt.Fprint(w, `{"data": [{"vmid": 105, "name": "exam-a", "status": "running"}, {"vmid": "106", "name": "exam-b", "status": "stopped"}]}`)
		case r.Method == http.MethodGet:
			fmt.Fprint(w, `{"data": {"status": "running", "name": "exam-a", "uptime": "42"}}`)
		default:
			fmt.Fprint(w, `{"data": null}`)
		}
	})
	return mux
}

func (s *stubAPI) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := New(Options{
		Host:     baseURL,
		Node:     "pve1",
		APIToken: "examlab@pve!gateway=secret",
	})
	if err != nil {
		t.Fatalf("New returned err: %v", err)
	}
	return c
}

func TestNew_RequiresAuthMode(t *testing.T) {
	_, err := New(Options{Host: "https://pve.local:8006", Node: "pve1"})
	if err == nil {
		t.Fatal("expected error for missing credentials")
	}
}

func TestCloneFromTemplate_NextIDPrecedesEveryClone(t *testing.T) {
	stub := newStubAPI()
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()
	c := newTestClient(t, srv.URL)

	first, err := c.CloneFromTemplate(context.Background(), 101, "exam-s-server1")
	if err != nil {
		t.Fatalf("first clone: %v", err)
	}
	second, err := c.CloneFromTemplate(context.Background(), 102, "exam-s-server2")
	if err != nil {
		t.Fatalf("second clone: %v", err)
	}
	if first != 105 || second != 106 {
		t.Fatalf("expected ids 105,106 got %d,%d", first, second)
	}

	want := []string{
		"GET /api2/json/cluster/nextid",
		"POST /api2/json/nodes/pve1/qemu/101/clone",
		"GET /api2/json/cluster/nextid",
		"POST /api2/json/nodes/pve1/qemu/102/clone",
	}
	got := stub.recorded()
	if len(got) != len(want) {
		t.Fatalf("expected %d requests, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("request %d: got %q want %q", i, got[i], want[i])
		}
	}
}

func TestCloneFromTemplate_CloneRejectionIsUpstreamError(t *testing.T) {
	stub := newStubAPI()
	stub.failOps["/clone"] = http.StatusBadRequest
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()
	c := newTestClient(t, srv.URL)

	_, err := c.CloneFromTemplate(context.Background(), 101, "exam-s-server1")
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if ue.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", ue.StatusCode)
	}
}

func TestStaticTokenHeader(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, `{"data": 200}`)
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL)

	if _, err := c.NextID(context.Background()); err != nil {
		t.Fatalf("NextID: %v", err)
	}
	if gotAuth != "PVEAPIToken=examlab@pve!gateway=secret" {
		t.Fatalf("unexpected Authorization header %q", gotAuth)
	}
}

func TestStartStopDelete_CollapseFailureIntoFalse(t *testing.T) {
	stub := newStubAPI()
	stub.failOps["/status/start"] = http.StatusInternalServerError
	stub.failOps["/status/stop"] = http.StatusInternalServerError
	stub.failOps["/qemu/200"] = http.StatusInternalServerError
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()
	c := newTestClient(t, srv.URL)

	if c.Start(context.Background(), 200) {
		t.Fatal("expected Start to report false")
	}
	if c.Stop(context.Background(), 200) {
		t.Fatal("expected Stop to report false")
	}
	if c.Delete(context.Background(), 200) {
		t.Fatal("expected Delete to report false")
	}
}

func TestStart_OKReturnsTrue(t *testing.T) {
	stub := newStubAPI()
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()
	c := newTestClient(t, srv.URL)

	if !c.Start(context.Background(), 105) {
		t.Fatal("expected Start to report true")
	}
}

func TestGetStatus_AbsentOnUnknownVM(t *testing.T) {
	stub := newStubAPI()
	stub.failOps["/status/current"] = http.StatusNotFound
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()
	c := newTestClient(t, srv.URL)

	if _, ok := c.GetStatus(context.Background(), 999); ok {
		t.Fatal("expected absent status for unknown VM")
	}
	// 404 is definitive: exactly one request, no retries.
	if got := stub.recorded(); len(got) != 1 {
		t.Fatalf("expected 1 request, got %v", got)
	}
}

func TestGetStatus_DecodesFlexibleUptime(t *testing.T) {
	stub := newStubAPI()
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()
	c := newTestClient(t, srv.URL)

	st, ok := c.GetStatus(context.Background(), 105)
	if !ok {
		t.Fatal("expected status present")
	}
	if st.Status != "running" || st.UptimeSeconds != 42 || st.VMID != 105 {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestRetryRead_TransientThenSuccess(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"data": [{"vmid": 105, "name": "exam-a", "status": "running"}]}`)
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL)

	vms, err := c.ListVMs(context.Background())
	if err != nil {
		t.Fatalf("ListVMs: %v", err)
	}
	if len(vms) != 1 || vms[0].VMID != 105 {
		t.Fatalf("unexpected vms %+v", vms)
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestRetryRead_NonTransientDoesNotRetry(t *testing.T) {
	attempts := 0
	err := retryRead(context.Background(), "status", func(context.Context) error {
		attempts++
		return upstream("status", http.StatusNotFound, errors.New("not found"))
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", attempts)
	}
}

func TestConsoleTicket_StringPort(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data": {"ticket": "PVEVNC:abc", "port": "5900", "upid": "UPID:pve1:0001"}}`)
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL)

	tk, err := c.ConsoleTicket(context.Background(), 105)
	if err != nil {
		t.Fatalf("ConsoleTicket: %v", err)
	}
	if tk.Ticket != "PVEVNC:abc" || tk.Port != 5900 || tk.TaskID != "UPID:pve1:0001" {
		t.Fatalf("unexpected ticket %+v", tk)
	}
}

func TestConsoleTicket_MissingTicketIsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data": {}}`)
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL)

	_, err := c.ConsoleTicket(context.Background(), 105)
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
}

func TestListVMs_FlexibleVMIDs(t *testing.T) {
	stub := newStubAPI()
	srv := httptest.NewServer(stub.handler(t))
	defer srv.Close()
	c := newTestClient(t, srv.URL)

	vms, err := c.ListVMs(context.Background())
	if err != nil {
		t.Fatalf("ListVMs: %v", err)
	}
	if len(vms) != 2 || vms[0].VMID != 105 || vms[1].VMID != 106 {
		t.Fatalf("unexpected vms %+v", vms)
	}
}

func TestInsecureTLS(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data": 105}`)
	}))
	defer srv.Close()

	strict, err := New(Options{Host: srv.URL, Node: "pve1", APIToken: "t"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := strict.NextID(context.Background()); err == nil {
		t.Fatal("expected certificate failure with validation enabled")
	}

	relaxed, err := New(Options{Host: srv.URL, Node: "pve1", APIToken: "t", InsecureTLS: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := relaxed.NextID(context.Background()); err != nil {
		t.Fatalf("expected success with InsecureTLS, got %v", err)
	}
}
