package dispatch

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meshwork/meshnode/internal/domain"
	"github.com/meshwork/meshnode/internal/infra/metrics"
)

// Lookup runs an iterative FIND_NODE search for target and returns up to k
// contacts ordered by distance. Each round queries the Alpha closest
// unqueried contacts in parallel and waits at most LookupTimeout. The search
// ends when each of the k closest responsive contacts has been queried, after
// LookupMaxRounds, or when ctx is done. Peers that did not answer are left
// out of the result.
func (d *Dispatcher) Lookup(ctx context.Context, target domain.GUID) ([]domain.Contact, error) {
	if d.Closed() {
		return nil, domain.ErrClosed
	}
	start := time.Now()
	k := d.table.K()
	self := d.Self().GUID

	known := make(map[domain.GUID]domain.Contact)
	for _, c := range d.table.FindClosest(target, k) {
		known[c.GUID] = c
	}
	queried := make(map[domain.GUID]bool)
	failed := make(map[domain.GUID]bool)

	ranked := func() []domain.Contact {
		out := make([]domain.Contact, 0, len(known))
		for g, c := range known {
			if !failed[g] {
				out = append(out, c)
			}
		}
		slices.SortFunc(out, func(a, b domain.Contact) int {
			da, db := domain.Distance(a.GUID, target), domain.Distance(b.GUID, target)
			switch {
			case da < db:
				return -1
			case da > db:
				return 1
			}
			return 0
		})
		return out
	}

	// A round that does not move the closest contact widens the next one to
	// every unqueried contact among the k closest; the search ends once all of
	// them have been asked.
	improved := true
	rounds := 0
	for rounds < d.cfg.LookupMaxRounds && ctx.Err() == nil {
		width := d.cfg.Alpha
		if !improved {
			width = k
		}
		top := ranked()
		if len(top) > k {
			top = top[:k]
		}
		var batch []domain.Contact
		for _, c := range top {
			if len(batch) == width {
				break
			}
			if !queried[c.GUID] {
				batch = append(batch, c)
			}
		}
		if len(batch) == 0 {
			break
		}
		rounds++
		for _, c := range batch {
			queried[c.GUID] = true
		}
		prev, hadPrev := closest(top, target)

		results := d.queryRound(ctx, batch, target)
		for _, res := range results {
			if res.err != nil {
				failed[res.peer.GUID] = true
				continue
			}
			for _, c := range res.nodes {
				if c.GUID == self || c.GUID == 0 {
					continue
				}
				if _, ok := known[c.GUID]; !ok {
					known[c.GUID] = c
				}
			}
		}
		if d.Closed() {
			return nil, domain.ErrClosed
		}

		next, ok := closest(ranked(), target)
		improved = ok && (!hadPrev || next < prev)
	}

	out := ranked()
	if len(out) > k {
		out = out[:k]
	}
	metrics.LookupRounds.Observe(float64(rounds))
	metrics.LookupDuration.Observe(time.Since(start).Seconds())
	d.log.Debug("lookup finished",
		zap.Stringer("target", target),
		zap.Int("rounds", rounds),
		zap.Int("found", len(out)),
		zap.Int("unresponsive", len(failed)))
	return out, nil
}

// closest returns the distance of the first ranked contact.
func closest(ranked []domain.Contact, target domain.GUID) (domain.GUID, bool) {
	if len(ranked) == 0 {
		return 0, false
	}
	return domain.Distance(ranked[0].GUID, target), true
}

type roundResult struct {
	peer  domain.Contact
	nodes []domain.Contact
	err   error
}

// queryRound sends FIND_NODE to every contact in batch and collects answers
// until all arrive or the round timeout passes.
func (d *Dispatcher) queryRound(ctx context.Context, batch []domain.Contact, target domain.GUID) []roundResult {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.LookupTimeout)
	defer cancel()

	results := make([]roundResult, len(batch))
	var wg sync.WaitGroup
	for i, c := range batch {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i].peer = c
			env, err := d.findNodeWait(ctx, FindNodeRequest{To: c, GUID: &target})
			if err != nil {
				results[i].err = err
				return
			}
			results[i].nodes = env.Payload.(*domain.FoundNodes).Nodes
		}()
	}
	wg.Wait()
	return results
}

// Join contacts every seed address with FIND_NODE for the local GUID, then
// runs a lookup of the local GUID to fill the routing table. It fails with
// ErrBootstrapFailed when no seed answers.
func (d *Dispatcher) Join(ctx context.Context, seeds []domain.Address) error {
	if len(seeds) == 0 {
		return fmt.Errorf("%w: no seeds configured", domain.ErrBootstrapFailed)
	}
	self := d.Self()

	var answered []domain.Contact
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, addr := range seeds {
		if addr == self.Address {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			rctx, cancel := context.WithTimeout(ctx, d.cfg.LookupTimeout)
			defer cancel()
			env, err := d.findNodeWait(rctx, FindNodeRequest{To: domain.Contact{Address: addr}})
			if err != nil {
				d.log.Warn("bootstrap peer did not answer", zap.Stringer("seed", addr), zap.Error(err))
				return
			}
			mu.Lock()
			answered = append(answered, env.Sender)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if d.Closed() {
		return domain.ErrClosed
	}
	if len(answered) == 0 {
		return fmt.Errorf("%w: %d seeds tried", domain.ErrBootstrapFailed, len(seeds))
	}

	found, err := d.Lookup(ctx, self.GUID)
	if err != nil {
		return fmt.Errorf("self lookup: %w", err)
	}
	d.log.Info("joined overlay",
		zap.Int("seeds_answered", len(answered)),
		zap.Int("closest", len(found)),
		zap.Int("table", d.table.Len()))
	return nil
}
