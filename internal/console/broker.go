// Package console turns a session VM into a launchable noVNC console
// endpoint.
package console

import (
	"context"
	"fmt"
	"net/url"

	"github.com/examforge/vmlab-control-plane/internal/model"
)

// TicketSource issues one-time console credentials.
type TicketSource interface {
	ConsoleTicket(ctx context.Context, vmid int) (model.ConsoleTicket, error)
}

// Resolver maps a session and role to a VM identifier. Shared with the
// session manager so both report the same error taxonomy.
type Resolver interface {
	ResolveVM(sessionID, role string) (int, error)
}

type Broker struct {
	tickets  TicketSource
	resolver Resolver
	host     string
	node     string
}

// NewBroker builds a broker for the given hypervisor host (scheme
// included) and node name.
func NewBroker(tickets TicketSource, resolver Resolver, host, node string) *Broker {
	return &Broker{tickets: tickets, resolver: resolver, host: host, node: node}
}

// GetConsoleURL requests a fresh console ticket for the session's VM and
// assembles the embeddable noVNC URL. It does not verify the VM is
// running: the hypervisor rejects tickets for stopped VMs itself, and
// that refusal surfaces as the client's upstream error.
//
// Tickets are short-lived; callers request one per console launch and
// must not cache the descriptor.
func (b *Broker) GetConsoleURL(ctx context.Context, sessionID, role string) (model.ConsoleDescriptor, error) {
	vmid, err := b.resolver.ResolveVM(sessionID, role)
	if err != nil {
		return model.ConsoleDescriptor{}, err
	}
	ticket, err := b.tickets.ConsoleTicket(ctx, vmid)
	if err != nil {
		return model.ConsoleDescriptor{}, err
	}

	q := url.Values{}
	q.Set("console", "kvm")
	q.Set("novnc", "1")
	q.Set("node", b.node)
	q.Set("vmid", fmt.Sprintf("%d", vmid))
	if ticket.Port > 0 {
		q.Set("port", fmt.Sprintf("%d", ticket.Port))
	}
	if ticket.Ticket != "" {
		q.Set("vncticket", ticket.Ticket)
	}

	return model.ConsoleDescriptor{
		URL:    b.host + "/?" + q.Encode(),
		Port:   ticket.Port,
		Ticket: ticket.Ticket,
	}, nil
}
