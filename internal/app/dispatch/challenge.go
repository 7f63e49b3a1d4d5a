package dispatch

import (
	"time"

	"go.uber.org/zap"

	"github.com/meshwork/meshnode/internal/domain"
	"github.com/meshwork/meshnode/internal/infra/metrics"
	"github.com/meshwork/meshnode/internal/infra/routing"
)

// challenge is a liveness probe against the least-recently-seen entry of a
// full bucket. If stale does not answer before expires, candidate takes its
// place.
type challenge struct {
	stale     domain.Contact
	candidate domain.Contact
	expires   time.Time
}

// observe offers c to the routing table and challenges the stale entry when
// the bucket is full.
func (d *Dispatcher) observe(c domain.Contact) {
	if c.GUID == 0 {
		return
	}
	res := d.table.Insert(c)
	if res.Outcome == routing.Deferred {
		d.challenge(res.Stale, c)
	}
}

// challenge pings stale unless a challenge against it is already running,
// in which case candidate is kept as a replacement.
func (d *Dispatcher) challenge(stale, candidate domain.Contact) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	if ch, ok := d.challenges[stale.GUID]; ok {
		d.mu.Unlock()
		if ch.candidate.GUID != candidate.GUID {
			d.table.AddReplacement(candidate)
		}
		return
	}
	d.challenges[stale.GUID] = &challenge{
		stale:     stale,
		candidate: candidate,
		expires:   d.now().Add(d.cfg.ChallengeTimeout),
	}
	pending := len(d.challenges)
	d.mu.Unlock()
	metrics.ChallengesPending.Set(float64(pending))

	d.log.Debug("challenging stale contact",
		zap.Stringer("stale", stale),
		zap.Stringer("candidate", candidate))
	if err := d.send(d.envelope(domain.MessagePing, stale, nil)); err != nil {
		d.log.Warn("challenge ping failed", zap.Stringer("stale", stale), zap.Error(err))
	}
}

// takeChallenge removes and returns the challenge against guid.
func (d *Dispatcher) takeChallenge(guid domain.GUID) (*challenge, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch, ok := d.challenges[guid]
	if ok {
		delete(d.challenges, guid)
		metrics.ChallengesPending.Set(float64(len(d.challenges)))
	}
	return ch, ok
}

// challengeAnswered keeps the stale entry and rejects the candidate.
func (d *Dispatcher) challengeAnswered(guid domain.GUID) {
	ch, ok := d.takeChallenge(guid)
	if !ok {
		return
	}
	d.table.AddReplacement(ch.candidate)
	metrics.Challenges.WithLabelValues("alive").Inc()
	d.log.Debug("stale contact answered",
		zap.Stringer("stale", ch.stale),
		zap.Stringer("rejected", ch.candidate))
}

// challengeFailed evicts the stale entry in favour of the candidate.
func (d *Dispatcher) challengeFailed(ch *challenge, outcome string) {
	d.table.Replace(ch.stale.GUID, ch.candidate)
	metrics.Challenges.WithLabelValues(outcome).Inc()
	d.log.Info("evicted unresponsive contact",
		zap.Stringer("stale", ch.stale),
		zap.Stringer("replacement", ch.candidate),
		zap.String("outcome", outcome))
}

// dropCandidate discards challenges whose candidate has left the overlay.
func (d *Dispatcher) dropCandidate(guid domain.GUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for stale, ch := range d.challenges {
		if ch.candidate.GUID == guid {
			delete(d.challenges, stale)
		}
	}
	metrics.ChallengesPending.Set(float64(len(d.challenges)))
}

// Sweep expires challenges and file transfers whose deadline is not after
// now. It runs on the loop's ticker and may be called directly.
func (d *Dispatcher) Sweep(now time.Time) {
	d.mu.Lock()
	var expired []*challenge
	for guid, ch := range d.challenges {
		if !now.Before(ch.expires) {
			expired = append(expired, ch)
			delete(d.challenges, guid)
		}
	}
	var stale []string
	for id, tr := range d.transfers {
		if !now.Before(tr.expires) {
			stale = append(stale, id)
			delete(d.transfers, id)
		}
	}
	pending := len(d.challenges)
	d.mu.Unlock()

	if len(expired) > 0 {
		metrics.ChallengesPending.Set(float64(pending))
	}
	for _, ch := range expired {
		d.challengeFailed(ch, "evicted")
	}
	for _, id := range stale {
		d.log.Warn("file transfer expired", zap.String("transfer", id))
	}
	metrics.RoutingTablePeers.Set(float64(d.table.Len()))
}

// PendingChallenges returns the number of outstanding challenges.
func (d *Dispatcher) PendingChallenges() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.challenges)
}
