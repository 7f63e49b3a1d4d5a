package dispatch

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/meshwork/meshnode/internal/domain"
)

// FindNodeRequest addresses a FIND_NODE. GUID defaults to the local GUID.
type FindNodeRequest struct {
	To   domain.Contact
	GUID *domain.GUID
}

// CommandRequest addresses a COMMAND.
type CommandRequest struct {
	To            domain.Contact
	Command       string
	ShouldRespond bool
	// Propagate asks receivers to relay the command to their peers.
	Propagate bool
}

// Ping sends a PING without waiting for the answer.
func (d *Dispatcher) Ping(to domain.Contact) error {
	return d.send(d.envelope(domain.MessagePing, to, nil))
}

// PingWait sends a PING and returns the responder once PING_RESPONSE
// arrives, or ErrTimeout when ctx expires first.
func (d *Dispatcher) PingWait(ctx context.Context, to domain.Contact) (domain.Contact, error) {
	env := d.envelope(domain.MessagePing, to, nil)
	ch, err := d.await(env.UUID, domain.MessagePingResponse)
	if err != nil {
		return domain.Contact{}, err
	}
	if err := d.send(env); err != nil {
		d.forget(env.UUID)
		return domain.Contact{}, err
	}
	resp, err := d.wait(ctx, env.UUID, ch)
	if err != nil {
		return domain.Contact{}, fmt.Errorf("ping %s: %w", to.Address, err)
	}
	return resp.Sender, nil
}

// FindNode sends a FIND_NODE and returns its uuid. The FOUND_NODES answer is
// absorbed into the routing table by the handling loop.
func (d *Dispatcher) FindNode(req FindNodeRequest) (string, error) {
	env := d.findNodeEnvelope(req)
	if err := d.send(env); err != nil {
		return "", err
	}
	return env.UUID, nil
}

func (d *Dispatcher) findNodeEnvelope(req FindNodeRequest) *domain.Envelope {
	target := d.Self().GUID
	if req.GUID != nil {
		target = *req.GUID
	}
	return d.envelope(domain.MessageFindNode, req.To, &domain.FindNode{GUID: target})
}

// findNodeWait sends a FIND_NODE and waits for the correlated FOUND_NODES.
func (d *Dispatcher) findNodeWait(ctx context.Context, req FindNodeRequest) (*domain.Envelope, error) {
	env := d.findNodeEnvelope(req)
	ch, err := d.await(env.UUID, domain.MessageFoundNodes)
	if err != nil {
		return nil, err
	}
	if err := d.send(env); err != nil {
		d.forget(env.UUID)
		return nil, err
	}
	return d.wait(ctx, env.UUID, ch)
}

// FoundNodes sends an unsolicited FOUND_NODES.
func (d *Dispatcher) FoundNodes(to domain.Contact, nodes []domain.Contact) error {
	return d.send(d.envelope(domain.MessageFoundNodes, to, &domain.FoundNodes{Nodes: nodes}))
}

// Command sends a COMMAND. When ShouldRespond is set it waits, bounded by ctx
// and the configured command timeout, for the correlated COMMAND_RESPONSE.
// A FAIL status is returned as a response, not an error.
func (d *Dispatcher) Command(ctx context.Context, req CommandRequest) (*domain.CommandResponse, error) {
	env := d.envelope(domain.MessageCommand, req.To, &domain.Command{
		Command:       req.Command,
		ShouldRespond: req.ShouldRespond,
	})
	env.Propagation = req.Propagate
	if !req.ShouldRespond {
		return nil, d.send(env)
	}

	ch, err := d.await(env.UUID, domain.MessageCommandResponse)
	if err != nil {
		return nil, err
	}
	if err := d.send(env); err != nil {
		d.forget(env.UUID)
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, d.cfg.CommandTimeout)
	defer cancel()
	resp, err := d.wait(ctx, env.UUID, ch)
	if err != nil {
		return nil, fmt.Errorf("command %q on %s: %w", req.Command, req.To.Address, err)
	}
	return resp.Payload.(*domain.CommandResponse), nil
}

// RequestFile asks to for the file at path and returns the transfer id.
// Chunks are accepted only while the transfer is outstanding.
func (d *Dispatcher) RequestFile(to domain.Contact, path string) (string, error) {
	if d.transfer == nil {
		return "", domain.ErrNoFileTransfer
	}
	env := d.envelope(domain.MessageFileRequest, to, &domain.FileRequest{Path: path})

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return "", domain.ErrClosed
	}
	d.transfers[env.UUID] = &pendingTransfer{
		peer:    to,
		path:    path,
		expires: d.now().Add(d.cfg.TransferTimeout),
	}
	d.mu.Unlock()

	if err := d.send(env); err != nil {
		d.mu.Lock()
		delete(d.transfers, env.UUID)
		d.mu.Unlock()
		return "", err
	}
	return env.UUID, nil
}

// CheckNAT asks helper whether the local node is reachable and records the
// verdict on the self contact. No answer within twice the NAT timeout is
// taken as being behind NAT. It returns the new IsNAT value.
func (d *Dispatcher) CheckNAT(ctx context.Context, helper domain.Contact) (bool, error) {
	self := d.Self()
	env := d.envelope(domain.MessageNATRequest, helper, &domain.NATRequest{GUID: self.GUID})
	ch, err := d.await(env.UUID, domain.MessageNATCheck)
	if err != nil {
		return false, err
	}
	if err := d.send(env); err != nil {
		d.forget(env.UUID)
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, 2*d.cfg.NATTimeout)
	defer cancel()
	if _, err := d.wait(ctx, env.UUID, ch); err != nil {
		if !errors.Is(err, domain.ErrTimeout) {
			return false, err
		}
		d.log.Info("no NAT_CHECK from helper, assuming NAT", zap.Stringer("helper", helper))
		d.applyNATVerdict(false)
	}
	return d.Self().IsNAT, nil
}

// Relay sends an envelope built elsewhere, typically a propagated one,
// through the signer and transport.
func (d *Dispatcher) Relay(env *domain.Envelope) error {
	return d.send(env)
}

// Leave sends one LEAVE to every contact in the routing table and returns
// how many were sent.
func (d *Dispatcher) Leave() (int, error) {
	if d.Closed() {
		d.log.Error("leave after close")
		return 0, domain.ErrClosed
	}
	var errs []error
	sent := 0
	for _, c := range d.table.Nodes() {
		if err := d.send(d.envelope(domain.MessageLeave, c, nil)); err != nil {
			errs = append(errs, err)
			continue
		}
		sent++
	}
	d.log.Info("left overlay", zap.Int("notified", sent))
	return sent, errors.Join(errs...)
}
