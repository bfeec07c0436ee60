// Package proxmox is the single point of contact with the Proxmox VE
// management API. It owns transport concerns (TLS trust policy,
// authentication, request/response encoding) and normalizes the API's
// inconsistent response shapes for the rest of the control plane.
package proxmox

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/examforge/vmlab-control-plane/internal/metrics"
	"github.com/examforge/vmlab-control-plane/internal/model"
)

const apiBasePath = "/api2/json"

type Options struct {
	// Host is the management endpoint, scheme included,
	// e.g. https://pve.example:8006.
	Host string
	// Node scopes every VM operation to one hypervisor host.
	Node string

	// Exactly one auth mode: a static API token, or a username/password
	// pair exchanged for a session ticket on first use.
	APIToken string
	Username string
	Password string

	// InsecureTLS disables certificate-chain validation. Proxmox ships
	// with a self-signed certificate, so lab deployments commonly need
	// this; it is never the default.
	InsecureTLS bool

	// FullClone selects full over linked clones for every clone call.
	FullClone bool
	// CloneTarget optionally places clones on another cluster node.
	CloneTarget string

	// RequestTimeout bounds every API call. Defaults to 15s.
	RequestTimeout time.Duration
}

type Client struct {
	baseURL     string
	node        string
	hc          *http.Client
	auth        authenticator
	fullClone   bool
	cloneTarget string
	timeout     time.Duration
}

func New(opts Options) (*Client, error) {
	host := strings.TrimRight(opts.Host, "/")
	if host == "" {
		return nil, fmt.Errorf("proxmox: host is required")
	}
	if opts.Node == "" {
		return nil, fmt.Errorf("proxmox: node is required")
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.InsecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	hc := &http.Client{Transport: transport}

	baseURL := host + apiBasePath
	var auth authenticator
	switch {
	case opts.APIToken != "":
		auth = staticToken{token: opts.APIToken}
	case opts.Username != "" && opts.Password != "":
		auth = &interactiveTicket{
			hc:       hc,
			baseURL:  baseURL,
			username: opts.Username,
			password: opts.Password,
		}
	default:
		return nil, fmt.Errorf("proxmox: either an API token or username/password is required")
	}

	return &Client{
		baseURL:     baseURL,
		node:        opts.Node,
		hc:          hc,
		auth:        auth,
		fullClone:   opts.FullClone,
		cloneTarget: opts.CloneTarget,
		timeout:     timeout,
	}, nil
}

// NextID asks the cluster for the next free VM identifier. There is no
// reservation: the identifier is only good until someone else uses it,
// which is why callers issue clones sequentially.
func (c *Client) NextID(ctx context.Context) (int, error) {
	var out struct {
		Data FlexInt `json:"data"`
	}
	err := retryRead(ctx, "nextid", func(cc context.Context) error {
		return c.do(cc, "nextid", http.MethodGet, "/cluster/nextid", nil, &out)
	})
	if err != nil {
		return 0, err
	}
	if out.Data <= 0 {
		return 0, upstream("nextid", 0, fmt.Errorf("no free identifier in response"))
	}
	return int(out.Data), nil
}

// CloneFromTemplate requests a fresh free identifier and clones the
// template under that identifier and display name. The returned id is
// the one actually submitted to the clone call, never a stale value.
func (c *Client) CloneFromTemplate(ctx context.Context, templateID int, name string) (int, error) {
	newID, err := c.NextID(ctx)
	if err != nil {
		return 0, err
	}
	body := map[string]any{
		"newid": newID,
		"name":  name,
		"full":  c.fullClone,
	}
	if c.cloneTarget != "" {
		body["target"] = c.cloneTarget
	}
	path := fmt.Sprintf("/nodes/%s/qemu/%d/clone", c.node, templateID)
	if err := c.do(ctx, "clone", http.MethodPost, path, body, nil); err != nil {
		return 0, err
	}
	return newID, nil
}

// Start powers on a VM. A refusal is a normal outcome (already running,
// mid-migration) so failure collapses into false rather than an error.
func (c *Client) Start(ctx context.Context, vmid int) bool {
	path := fmt.Sprintf("/nodes/%s/qemu/%d/status/start", c.node, vmid)
	if err := c.do(ctx, "start", http.MethodPost, path, map[string]any{}, nil); err != nil {
		log.Printf("event=vm_start_failed vmid=%d err=%q", vmid, err.Error())
		return false
	}
	return true
}

// Stop powers off a VM. Same contract as Start.
func (c *Client) Stop(ctx context.Context, vmid int) bool {
	path := fmt.Sprintf("/nodes/%s/qemu/%d/status/stop", c.node, vmid)
	if err := c.do(ctx, "stop", http.MethodPost, path, map[string]any{}, nil); err != nil {
		log.Printf("event=vm_stop_failed vmid=%d err=%q", vmid, err.Error())
		return false
	}
	return true
}

// Delete removes a VM. Boolean so multi-VM teardown can proceed past
// individual failures.
func (c *Client) Delete(ctx context.Context, vmid int) bool {
	path := fmt.Sprintf("/nodes/%s/qemu/%d", c.node, vmid)
	if err := c.do(ctx, "delete", http.MethodDelete, path, nil, nil); err != nil {
		log.Printf("event=vm_delete_failed vmid=%d err=%q", vmid, err.Error())
		return false
	}
	return true
}

// GetStatus fetches the current status of a VM. Absent (false) covers
// both an unknown VM and a failed call: callers treat it as "unknown",
// never as fatal.
func (c *Client) GetStatus(ctx context.Context, vmid int) (model.VMStatus, bool) {
	var out struct {
		Data struct {
			Status string  `json:"status"`
			Name   string  `json:"name"`
			Uptime FlexInt `json:"uptime"`
		} `json:"data"`
	}
	path := fmt.Sprintf("/nodes/%s/qemu/%d/status/current", c.node, vmid)
	err := retryRead(ctx, "status", func(cc context.Context) error {
		return c.do(cc, "status", http.MethodGet, path, nil, &out)
	})
	if err != nil {
		log.Printf("event=vm_status_unavailable vmid=%d err=%q", vmid, err.Error())
		return model.VMStatus{}, false
	}
	if out.Data.Status == "" {
		return model.VMStatus{}, false
	}
	return model.VMStatus{
		VMID:          vmid,
		Status:        out.Data.Status,
		Name:          out.Data.Name,
		UptimeSeconds: int64(out.Data.Uptime),
	}, true
}

// ConsoleTicket requests a one-time VNC console credential.
func (c *Client) ConsoleTicket(ctx context.Context, vmid int) (model.ConsoleTicket, error) {
	var out struct {
		Data struct {
			Ticket string  `json:"ticket"`
			Port   FlexInt `json:"port"`
			UPID   string  `json:"upid"`
		} `json:"data"`
	}
	path := fmt.Sprintf("/nodes/%s/qemu/%d/vncproxy", c.node, vmid)
	if err := c.do(ctx, "vncproxy", http.MethodPost, path, map[string]any{"websocket": 1}, &out); err != nil {
		return model.ConsoleTicket{}, err
	}
	if out.Data.Ticket == "" {
		return model.ConsoleTicket{}, upstream("vncproxy", 0, fmt.Errorf("response missing ticket"))
	}
	return model.ConsoleTicket{
		Ticket: out.Data.Ticket,
		Port:   int(out.Data.Port),
		TaskID: out.Data.UPID,
	}, nil
}

// ListVMs enumerates every VM on the node.
func (c *Client) ListVMs(ctx context.Context) ([]model.VMSummary, error) {
	var out struct {
		Data []struct {
			VMID   FlexInt `json:"vmid"`
			Name   string  `json:"name"`
			Status string  `json:"status"`
		} `json:"data"`
	}
	path := fmt.Sprintf("/nodes/%s/qemu", c.node)
	err := retryRead(ctx, "list", func(cc context.Context) error {
		return c.do(cc, "list", http.MethodGet, path, nil, &out)
	})
	if err != nil {
		return nil, err
	}
	vms := make([]model.VMSummary, 0, len(out.Data))
	for _, row := range out.Data {
		vms = append(vms, model.VMSummary{
			VMID:   int(row.VMID),
			Name:   row.Name,
			Status: row.Status,
		})
	}
	return vms, nil
}

// do issues one API call, bounded by the configured timeout, and decodes
// the JSON response into out when out is non-nil.
func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return upstream(op, 0, fmt.Errorf("encode request: %w", err))
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(callCtx, method, c.baseURL+path, rd)
	if err != nil {
		return upstream(op, 0, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.auth.apply(callCtx, req); err != nil {
		// Login failures already carry their own status code; keep it
		// so a rejected credential is not retried as transient.
		var ue *UpstreamError
		if errors.As(err, &ue) {
			return err
		}
		return upstream(op, 0, fmt.Errorf("authenticate: %w", err))
	}

	start := time.Now()
	resp, err := c.hc.Do(req)
	durMS := float64(time.Since(start).Milliseconds())
	if err != nil {
		c.observe(op, "error", durMS)
		return upstream(op, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Proxmox reports the failure reason in the status line; error
		// bodies are typically empty.
		c.observe(op, "error", durMS)
		_, _ = io.Copy(io.Discard, resp.Body)
		return upstream(op, resp.StatusCode, fmt.Errorf("%s", resp.Status))
	}
	c.observe(op, "ok", durMS)

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return upstream(op, resp.StatusCode, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *Client) observe(op, status string, durMS float64) {
	labels := map[string]string{"op": op, "status": status}
	metrics.Default().IncCounter("vmlab_hypervisor_requests_total", labels)
	metrics.Default().ObserveHistogram("vmlab_hypervisor_request_latency_ms", durMS, labels)
}
