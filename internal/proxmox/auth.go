package proxmox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// authenticator attaches hypervisor credentials to an outgoing request.
// The variant is chosen once at client construction.
type authenticator interface {
	apply(ctx context.Context, req *http.Request) error
}

// staticToken sends a pre-provisioned API token on every request.
type staticToken struct {
	token string
}

func (a staticToken) apply(_ context.Context, req *http.Request) error {
	req.Header.Set("Authorization", "PVEAPIToken="+a.token)
	return nil
}

// interactiveTicket exchanges a username/password for a session ticket
// plus CSRF prevention token on first use and caches them for the life
// of the client. No proactive refresh: Proxmox tickets outlive any exam
// session this service runs.
type interactiveTicket struct {
	hc       *http.Client
	baseURL  string
	username string
	password string

	mu    sync.Mutex
	creds *ticketCreds
}

type ticketCreds struct {
	Ticket string
	CSRF   string
}

func (a *interactiveTicket) apply(ctx context.Context, req *http.Request) error {
	creds, err := a.credentials(ctx)
	if err != nil {
		return err
	}
	req.AddCookie(&http.Cookie{Name: "PVEAuthCookie", Value: creds.Ticket})
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		req.Header.Set("CSRFPreventionToken", creds.CSRF)
	}
	return nil
}

// credentials returns the cached ticket, logging in when none is held.
// The mutex stays held across the login round-trip so concurrent first
// callers collapse into a single /access/ticket call and never observe
// a partially written credential.
func (a *interactiveTicket) credentials(ctx context.Context) (ticketCreds, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.creds != nil {
		return *a.creds, nil
	}
	creds, err := a.login(ctx)
	if err != nil {
		return ticketCreds{}, err
	}
	a.creds = &creds
	return creds, nil
}

func (a *interactiveTicket) login(ctx context.Context) (ticketCreds, error) {
	payload, err := json.Marshal(map[string]string{
		"username": a.username,
		"password": a.password,
	})
	if err != nil {
		return ticketCreds{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/access/ticket", bytes.NewReader(payload))
	if err != nil {
		return ticketCreds{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.hc.Do(req)
	if err != nil {
		return ticketCreds{}, upstream("login", 0, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ticketCreds{}, upstream("login", resp.StatusCode, fmt.Errorf("%s", resp.Status))
	}

	var out struct {
		Data struct {
			Ticket string `json:"ticket"`
			CSRF   string `json:"CSRFPreventionToken"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ticketCreds{}, upstream("login", resp.StatusCode, fmt.Errorf("decode response: %w", err))
	}
	if out.Data.Ticket == "" {
		return ticketCreds{}, upstream("login", resp.StatusCode, fmt.Errorf("response missing ticket"))
	}
	return ticketCreds{Ticket: out.Data.Ticket, CSRF: out.Data.CSRF}, nil
}
