package outbound

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// readyRecheckInterval bounds how long waitForReady sleeps before
// re-checking the ready set: an endpoint's own readiness (its health gate)
// changes without any signal to the balancer.
const readyRecheckInterval = 10 * time.Millisecond

// mintLabel produces a diagnostic label for an endpoint the discovery
// source left unnamed, matching the teacher's widespread use of
// uuid.New() for entity identifiers.
func mintLabel() string {
	return uuid.NewString()
}

type balancerEndpoint[Req, Resp any] struct {
	key      int
	label    string
	sender   Sender[Req, Resp]
	ready    func() bool
	inFlight int64
}

// p2cBalancer implements the power-of-two-choices balancer from spec.md
// §4.7: endpoints come and go via a Discoverer's Change stream; each
// dispatch samples two distinct ready endpoints uniformly at random,
// compares in-flight load, and hands back the less loaded one.
type p2cBalancer[Req, Resp any] struct {
	mu        sync.RWMutex
	endpoints map[int]*balancerEndpoint[Req, Resp]
	order     []int

	notify chan struct{}
}

func newP2CBalancer[Req, Resp any](ctx context.Context, disc Discoverer[Req, Resp]) *p2cBalancer[Req, Resp] {
	b := &p2cBalancer[Req, Resp]{
		endpoints: make(map[int]*balancerEndpoint[Req, Resp]),
		notify:    make(chan struct{}),
	}
	go b.consume(ctx, disc.Changes(ctx))
	return b
}

func (b *p2cBalancer[Req, Resp]) consume(ctx context.Context, changes <-chan Change[Req, Resp]) {
	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-changes:
			if !ok {
				return
			}
			b.apply(ch)
		}
	}
}

func (b *p2cBalancer[Req, Resp]) apply(ch Change[Req, Resp]) {
	b.mu.Lock()
	switch ch.Kind {
	case Insert:
		if _, exists := b.endpoints[ch.Key]; !exists {
			b.order = append(b.order, ch.Key)
		}
		b.endpoints[ch.Key] = &balancerEndpoint[Req, Resp]{
			key: ch.Key, label: ch.Label, sender: ch.Sender, ready: ch.Ready,
		}
	case Remove:
		delete(b.endpoints, ch.Key)
		for i, k := range b.order {
			if k == ch.Key {
				b.order = append(b.order[:i], b.order[i+1:]...)
				break
			}
		}
	}
	b.wake()
	b.mu.Unlock()
}

// wake must be called with b.mu held; it releases everyone parked in
// waitForReady so they re-check the ready set.
func (b *p2cBalancer[Req, Resp]) wake() {
	close(b.notify)
	b.notify = make(chan struct{})
}

func (b *p2cBalancer[Req, Resp]) pick() *balancerEndpoint[Req, Resp] {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var ready []*balancerEndpoint[Req, Resp]
	for _, k := range b.order {
		ep := b.endpoints[k]
		if ep != nil && (ep.ready == nil || ep.ready()) {
			ready = append(ready, ep)
		}
	}

	switch len(ready) {
	case 0:
		return nil
	case 1:
		return ready[0]
	default:
		i := rand.Intn(len(ready))
		j := rand.Intn(len(ready) - 1)
		if j >= i {
			j++
		}
		a, b := ready[i], ready[j]
		if atomic.LoadInt64(&a.inFlight) <= atomic.LoadInt64(&b.inFlight) {
			return a
		}
		return b
	}
}

// waitForReady blocks until p2c can select a ready endpoint or ctx is
// cancelled, per the Balance.poll_ready suspension point in spec.md §5.
func (b *p2cBalancer[Req, Resp]) waitForReady(ctx context.Context) (*balancerEndpoint[Req, Resp], error) {
	for {
		b.mu.RLock()
		ch := b.notify
		b.mu.RUnlock()

		if ep := b.pick(); ep != nil {
			return ep, nil
		}

		select {
		case <-ch:
		case <-time.After(readyRecheckInterval):
		case <-ctx.Done():
			return nil, &CancelledError{Err: ctx.Err()}
		}
	}
}

// balanceSender is the Balance(Discovery -> {...}) component of the
// distributed pipeline (spec.md §2): it selects one ready endpoint per
// call via p2c and dispatches to it once. Retrying against a different
// endpoint is the outer Retry layer's job, not this one's (spec.md §4.10).
type balanceSender[Req, Resp any] struct {
	balancer *p2cBalancer[Req, Resp]
}

func newBalanceSender[Req, Resp any](ctx context.Context, disc Discoverer[Req, Resp]) *balanceSender[Req, Resp] {
	return &balanceSender[Req, Resp]{balancer: newP2CBalancer(ctx, disc)}
}

func (s *balanceSender[Req, Resp]) Send(ctx context.Context, req Req) (Resp, error) {
	ep, err := s.balancer.waitForReady(ctx)
	if err != nil {
		var zero Resp
		return zero, err
	}

	atomic.AddInt64(&ep.inFlight, 1)
	defer atomic.AddInt64(&ep.inFlight, -1)

	return ep.sender.Send(ctx, req)
}
