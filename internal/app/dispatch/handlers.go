package dispatch

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/meshwork/meshnode/internal/domain"
	"github.com/meshwork/meshnode/internal/infra/metrics"
)

type handlerFunc func(d *Dispatcher, env *domain.Envelope)

// handlers is indexed by message type. UNDEFINED never reaches it because
// Validate rejects it.
var handlers = [domain.MessageTypeCount]handlerFunc{
	domain.MessageUndefined:       nil,
	domain.MessageCommand:         (*Dispatcher).onCommand,
	domain.MessageCommandResponse: (*Dispatcher).onCommandResponse,
	domain.MessageFileRequest:     (*Dispatcher).onFileRequest,
	domain.MessageFileChunk:       (*Dispatcher).onFileChunk,
	domain.MessageNATRequest:      (*Dispatcher).onNATRequest,
	domain.MessageNATCheck:        (*Dispatcher).onNATCheck,
	domain.MessagePing:            (*Dispatcher).onPing,
	domain.MessagePingResponse:    (*Dispatcher).onPingResponse,
	domain.MessageLeave:           (*Dispatcher).onLeave,
	domain.MessageFindNode:        (*Dispatcher).onFindNode,
	domain.MessageFoundNodes:      (*Dispatcher).onFoundNodes,
}

// A new message type must get a handler above before this compiles again.
func _() {
	var x [1]struct{}
	_ = x[domain.MessageTypeCount-12]
}

// handle runs one inbound envelope through validation, the forwarder and its
// handler. No fault escapes to the loop.
func (d *Dispatcher) handle(env *domain.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			metrics.EnvelopesDropped.WithLabelValues("panic").Inc()
			d.log.Error("handler panic",
				zap.Stringer("type", env.Type),
				zap.String("uuid", env.UUID),
				zap.Any("panic", r))
		}
	}()

	if err := env.Validate(); err != nil {
		metrics.EnvelopesDropped.WithLabelValues("malformed").Inc()
		d.log.Warn("dropping malformed envelope", zap.String("uuid", env.UUID), zap.Error(err))
		return
	}
	if env.Sender.GUID == 0 {
		metrics.EnvelopesDropped.WithLabelValues("no_sender").Inc()
		d.log.Warn("dropping envelope", zap.Stringer("type", env.Type), zap.Error(domain.ErrUnknownSender))
		return
	}
	if env.Sender.GUID == d.Self().GUID {
		// Our own propagated envelope coming back.
		metrics.EnvelopesDropped.WithLabelValues("self").Inc()
		return
	}
	if env.Propagation && d.forwarder != nil && !d.forwarder.Forward(env) {
		metrics.EnvelopesDropped.WithLabelValues("duplicate").Inc()
		return
	}
	metrics.EnvelopesReceived.WithLabelValues(env.Type.String()).Inc()

	handlers[env.Type](d, env)
	metrics.RoutingTablePeers.Set(float64(d.table.Len()))
}

// seen records traffic from a live peer: the sender is offered to the table
// and any challenge against it is answered.
func (d *Dispatcher) seen(sender domain.Contact) {
	d.observe(sender)
	d.challengeAnswered(sender.GUID)
}

func (d *Dispatcher) dropUncorrelated(env *domain.Envelope) {
	metrics.EnvelopesDropped.WithLabelValues("uncorrelated").Inc()
	d.log.Debug("dropping uncorrelated envelope",
		zap.Stringer("type", env.Type),
		zap.String("uuid", env.UUID),
		zap.Stringer("from", env.Sender),
		zap.Error(domain.ErrUncorrelated))
}

// ─── Liveness ───────────────────────────────────────────────────────────────

func (d *Dispatcher) onPing(env *domain.Envelope) {
	d.seen(env.Sender)
	d.reply(env, domain.MessagePingResponse, nil)
}

func (d *Dispatcher) onPingResponse(env *domain.Envelope) {
	d.seen(env.Sender)
	d.resolve(env)
}

func (d *Dispatcher) onLeave(env *domain.Envelope) {
	guid := env.Sender.GUID
	d.dropCandidate(guid)
	if ch, ok := d.takeChallenge(guid); ok {
		d.challengeFailed(ch, "left")
	} else {
		d.table.Remove(guid)
	}
	d.log.Info("peer left", zap.Stringer("peer", env.Sender))
}

// ─── Discovery ──────────────────────────────────────────────────────────────

func (d *Dispatcher) onFindNode(env *domain.Envelope) {
	d.seen(env.Sender)
	target := env.Payload.(*domain.FindNode).GUID

	k := d.table.K()
	closest := d.table.FindClosest(target, k+1)
	nodes := make([]domain.Contact, 0, k)
	for _, c := range closest {
		if c.GUID == env.Sender.GUID {
			continue
		}
		if len(nodes) == k {
			break
		}
		nodes = append(nodes, c)
	}
	d.reply(env, domain.MessageFoundNodes, &domain.FoundNodes{Nodes: nodes})
}

func (d *Dispatcher) onFoundNodes(env *domain.Envelope) {
	d.seen(env.Sender)
	for _, c := range env.Payload.(*domain.FoundNodes).Nodes {
		d.observe(c)
	}
	d.resolve(env)
}

// ─── Reachability ───────────────────────────────────────────────────────────

func (d *Dispatcher) onNATRequest(env *domain.Envelope) {
	d.seen(env.Sender)
	if d.prober == nil {
		d.log.Warn("no reachability prober, ignoring NAT_REQUEST", zap.Stringer("from", env.Sender))
		return
	}
	requester := env.Sender
	if g := env.Payload.(*domain.NATRequest).GUID; g != 0 {
		requester.GUID = g
	}
	d.goAsync(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, d.cfg.NATTimeout)
		defer cancel()

		var verdict domain.GUID
		if d.prober.Probe(ctx, requester.Address) {
			verdict = requester.GUID
		}
		d.log.Debug("answered NAT request",
			zap.Stringer("requester", requester),
			zap.Bool("reachable", verdict != 0))
		d.replyAsync(env, domain.MessageNATCheck, &domain.NATCheck{GUID: verdict})
	})
}

func (d *Dispatcher) onNATCheck(env *domain.Envelope) {
	d.seen(env.Sender)
	if !d.outstanding(env.UUID, domain.MessageNATCheck) {
		d.dropUncorrelated(env)
		return
	}
	d.applyNATVerdict(env.Payload.(*domain.NATCheck).GUID == d.Self().GUID)
	d.resolve(env)
}

// applyNATVerdict records whether the local node is publicly reachable.
func (d *Dispatcher) applyNATVerdict(reachable bool) {
	d.table.SetSelf(d.Self().WithNAT(!reachable))
	d.mu.Lock()
	d.natChecked = true
	d.mu.Unlock()
	d.log.Info("NAT status updated", zap.Bool("nat", !reachable))
}

// ─── Commands ───────────────────────────────────────────────────────────────

func (d *Dispatcher) onCommand(env *domain.Envelope) {
	d.seen(env.Sender)
	cmd := env.Payload.(*domain.Command)
	from := env.Sender

	d.goAsync(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, d.cfg.CommandTimeout)
		defer cancel()

		resp := &domain.CommandResponse{Status: domain.StatusOK}
		out, err := d.execute(ctx, from, cmd.Command)
		if err != nil {
			resp.Status = domain.StatusFail
			resp.Value = err.Error()
			d.log.Warn("command failed",
				zap.String("command", cmd.Command),
				zap.Stringer("from", from),
				zap.Error(err))
		} else {
			resp.Value = out
		}
		metrics.Commands.WithLabelValues(resp.Status.String()).Inc()

		if cmd.ShouldRespond {
			d.replyAsync(env, domain.MessageCommandResponse, resp)
		}
	})
}

func (d *Dispatcher) execute(ctx context.Context, from domain.Contact, command string) (string, error) {
	if d.executor == nil {
		return "", domain.ErrNoExecutor
	}
	return d.executor.Execute(ctx, from, command)
}

func (d *Dispatcher) onCommandResponse(env *domain.Envelope) {
	d.seen(env.Sender)
	if !d.resolve(env) {
		d.dropUncorrelated(env)
	}
}

// ─── File transfer ──────────────────────────────────────────────────────────

func (d *Dispatcher) onFileRequest(env *domain.Envelope) {
	d.seen(env.Sender)
	path := env.Payload.(*domain.FileRequest).Path
	if d.transfer == nil {
		d.log.Warn("no file transfer configured, ignoring FILE_REQUEST",
			zap.String("path", path), zap.Stringer("from", env.Sender))
		return
	}
	from := env.Sender

	d.goAsync(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, d.cfg.TransferTimeout)
		defer cancel()

		err := d.transfer.Serve(ctx, from, env.UUID, path, func(chunk *domain.FileChunk) error {
			if d.Closed() {
				return domain.ErrClosed
			}
			if err := d.send(domain.Reply(env, d.Self(), domain.MessageFileChunk, chunk)); err != nil {
				return err
			}
			metrics.FileChunks.WithLabelValues("sent").Inc()
			return nil
		})
		if err != nil && !errors.Is(err, domain.ErrClosed) {
			d.log.Warn("serving file failed",
				zap.String("path", path),
				zap.Stringer("to", from),
				zap.Error(err))
		}
	})
}

func (d *Dispatcher) onFileChunk(env *domain.Envelope) {
	d.seen(env.Sender)
	chunk := env.Payload.(*domain.FileChunk)

	d.mu.Lock()
	tr, ok := d.transfers[env.UUID]
	if ok {
		tr.expires = d.now().Add(d.cfg.TransferTimeout)
	}
	d.mu.Unlock()
	if !ok || d.transfer == nil {
		d.dropUncorrelated(env)
		return
	}
	metrics.FileChunks.WithLabelValues("received").Inc()

	done, err := d.transfer.Receive(env.Sender, chunk)
	if err != nil {
		d.log.Warn("storing file chunk failed",
			zap.String("transfer", env.UUID),
			zap.Int64("ordinal", chunk.Ordinal),
			zap.Error(err))
		return
	}
	if done {
		d.mu.Lock()
		delete(d.transfers, env.UUID)
		d.mu.Unlock()
		d.log.Info("file transfer complete",
			zap.String("transfer", env.UUID),
			zap.String("path", tr.path),
			zap.String("file", chunk.Filename),
			zap.Stringer("from", tr.peer))
	}
}

// ActiveTransfers lists the ids of outstanding file requests.
func (d *Dispatcher) ActiveTransfers() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.transfers))
	for id := range d.transfers {
		out = append(out, id)
	}
	return out
}
