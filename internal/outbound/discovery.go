package outbound

import "context"

// ChangeKind distinguishes the two event kinds a discovery source may emit.
type ChangeKind int

const (
	Insert ChangeKind = iota
	Remove
)

// Change is one item of the lazy, never-terminating endpoint stream named
// in spec.md §4.7. Ready is the balancer's hook for this endpoint's current
// readiness (health plus whatever else the per-endpoint chain gates on);
// nil means always ready.
type Change[Req, Resp any] struct {
	Kind   ChangeKind
	Key    int
	Label  string
	Sender Sender[Req, Resp]
	Ready  func() bool
}

// Discoverer is the consumed interface named in spec.md §6: a source of
// Change events. A well-behaved Discoverer never closes its channel; once
// all known changes are delivered it idles until ctx is cancelled.
type Discoverer[Req, Resp any] interface {
	Changes(ctx context.Context) <-chan Change[Req, Resp]
}

// EndpointSpec is one configured replica handed to a static discoverer:
// a label for diagnostics (minted if empty) and its per-endpoint chain.
type EndpointSpec[Req, Resp any] struct {
	Label  string
	Sender Sender[Req, Resp]
	Ready  func() bool
}

// staticDiscoverer is the finite enumeration discovery source this core
// implements: one Insert per configured endpoint delivered up front, then
// the stream idles forever, per spec.md §4.7.
type staticDiscoverer[Req, Resp any] struct {
	endpoints []EndpointSpec[Req, Resp]
}

func NewStaticDiscoverer[Req, Resp any](endpoints []EndpointSpec[Req, Resp]) Discoverer[Req, Resp] {
	return &staticDiscoverer[Req, Resp]{endpoints: endpoints}
}

func (d *staticDiscoverer[Req, Resp]) Changes(ctx context.Context) <-chan Change[Req, Resp] {
	out := make(chan Change[Req, Resp], len(d.endpoints))
	for i, ep := range d.endpoints {
		label := ep.Label
		if label == "" {
			label = mintLabel()
		}
		out <- Change[Req, Resp]{Kind: Insert, Key: i, Label: label, Sender: ep.Sender, Ready: ep.Ready}
	}
	return out
}
