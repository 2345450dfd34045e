package bridge

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/momentum-trader/internal/tws"
)

// Reserved request IDs for rarely-issued global requests. The registry
// allocates IDs starting at FirstDynamicID.
const (
	ReqIDNewsProviders  = 1
	ReqIDAccountSummary = 2
	ReqIDPositions      = 3

	FirstDynamicID = 100
)

var (
	ErrTimeout   = errors.New("request timed out")
	ErrCancelled = errors.New("request cancelled")
)

// RequestKind identifies what a pending request is waiting for.
type RequestKind int

const (
	KindHistBars RequestKind = iota
	KindSnapshot
	KindPlaceOrder
	KindAccountSummary
	KindPositions
	KindNewsProviders
)

func (k RequestKind) String() string {
	switch k {
	case KindHistBars:
		return "hist_bars"
	case KindSnapshot:
		return "snapshot"
	case KindPlaceOrder:
		return "place_order"
	case KindAccountSummary:
		return "account_summary"
	case KindPositions:
		return "positions"
	case KindNewsProviders:
		return "news_providers"
	}
	return "unknown"
}

// Completion is the single result of an awaiter. Events holds the
// accumulated payload in delivery order; Err is non-nil on failure,
// timeout, or cancellation.
type Completion struct {
	Events []tws.Event
	Err    error
}

// Awaiter is a one-shot completion handle for an outstanding request.
// Every awaiter is resolved, failed, timed out, or cancelled exactly once.
type Awaiter struct {
	ReqID     int64
	Kind      RequestKind
	CreatedAt time.Time
	TimeoutAt time.Time

	// Progress receives non-terminal order statuses for KindPlaceOrder.
	// Best-effort: full progress channels are skipped, never blocked on.
	Progress chan tws.OrderStatusReport

	done    chan Completion
	partial []tws.Event

	// snapshot completeness tracking
	hasPrice  bool
	hasVolume bool
}

// Done returns the completion channel. It receives exactly one value.
func (a *Awaiter) Done() <-chan Completion {
	return a.done
}

// Registry allocates correlation IDs and resolves awaiters as the
// dispatcher delivers events. All mutations happen under a single mutex
// held only for ID allocation and table edits.
type Registry struct {
	mu       sync.Mutex
	nextID   int64
	awaiters map[int64]*Awaiter
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		nextID:   FirstDynamicID,
		awaiters: make(map[int64]*Awaiter),
		logger:   logger,
	}
}

// AllocateID returns the next dynamic request ID without registering an
// awaiter. Used for subscriptions that stream rather than complete.
func (r *Registry) AllocateID() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	return id
}

// Register creates an awaiter under a freshly allocated ID.
func (r *Registry) Register(kind RequestKind, deadline time.Time) *Awaiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++

	aw := newAwaiter(id, kind, deadline)
	r.awaiters[id] = aw
	return aw
}

// RegisterFixed creates an awaiter under a caller-chosen ID (reserved
// range or a broker-assigned order ID). Fails if the ID is already in use.
func (r *Registry) RegisterFixed(reqID int64, kind RequestKind, deadline time.Time) (*Awaiter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.awaiters[reqID]; exists {
		return nil, fmt.Errorf("request id %d already registered", reqID)
	}

	aw := newAwaiter(reqID, kind, deadline)
	r.awaiters[reqID] = aw
	return aw, nil
}

func newAwaiter(id int64, kind RequestKind, deadline time.Time) *Awaiter {
	aw := &Awaiter{
		ReqID:     id,
		Kind:      kind,
		CreatedAt: time.Now(),
		TimeoutAt: deadline,
		done:      make(chan Completion, 1),
	}
	if kind == KindPlaceOrder {
		aw.Progress = make(chan tws.OrderStatusReport, 8)
	}
	return aw
}

// Deliver routes an event to its awaiter. Returns true when the event was
// consumed; false means the caller should fan it out to a subscription
// stream or drop it.
func (r *Registry) Deliver(ev tws.Event) bool {
	r.mu.Lock()

	aw, ok := r.awaiters[ev.ReqID]
	if !ok {
		r.mu.Unlock()
		return false
	}

	// An error with class transient or fatal fails the awaiter; other
	// classes never resolve it.
	if ev.Kind == tws.EventError {
		class := ev.Err.Class()
		if class != tws.ClassTransient && class != tws.ClassFatal {
			r.mu.Unlock()
			return false
		}
		delete(r.awaiters, ev.ReqID)
		r.mu.Unlock()
		aw.done <- Completion{Err: ev.Err}
		return true
	}

	if !kindAccepts(aw.Kind, ev.Kind) {
		r.mu.Unlock()
		return false
	}

	if terminal := aw.absorb(ev); !terminal {
		r.mu.Unlock()
		return true
	}

	delete(r.awaiters, ev.ReqID)
	r.mu.Unlock()
	aw.done <- Completion{Events: aw.partial}
	return true
}

// absorb accumulates an event and reports whether it completes the request.
func (a *Awaiter) absorb(ev tws.Event) bool {
	switch a.Kind {
	case KindHistBars:
		if ev.Kind == tws.EventHistoricalBarsEnd {
			return true
		}
		a.partial = append(a.partial, ev)
		return false

	case KindSnapshot:
		a.partial = append(a.partial, ev)
		if ev.Kind == tws.EventTickPrice && ev.TickType == tws.TickLast {
			a.hasPrice = true
		}
		if ev.Kind == tws.EventTickSize && ev.TickType == tws.TickVolume {
			a.hasVolume = true
		}
		// Coherent pair: one last price and one cumulative volume.
		return a.hasPrice && a.hasVolume

	case KindPlaceOrder:
		if ev.Order.Terminal() {
			a.partial = append(a.partial, ev)
			return true
		}
		select {
		case a.Progress <- ev.Order:
		default:
		}
		return false

	case KindAccountSummary:
		if ev.Kind == tws.EventAccountSummaryEnd {
			return true
		}
		a.partial = append(a.partial, ev)
		return false

	case KindPositions:
		if ev.Kind == tws.EventPositionEnd {
			return true
		}
		a.partial = append(a.partial, ev)
		return false

	case KindNewsProviders:
		a.partial = append(a.partial, ev)
		return true
	}
	return false
}

// kindAccepts reports whether an event kind belongs to a request kind.
func kindAccepts(rk RequestKind, ek tws.EventKind) bool {
	switch rk {
	case KindHistBars:
		return ek == tws.EventHistoricalBar || ek == tws.EventHistoricalBarsEnd
	case KindSnapshot:
		return ek == tws.EventTickPrice || ek == tws.EventTickSize
	case KindPlaceOrder:
		return ek == tws.EventOrderStatus
	case KindAccountSummary:
		return ek == tws.EventAccountValue || ek == tws.EventAccountSummaryEnd
	case KindPositions:
		return ek == tws.EventPosition || ek == tws.EventPositionEnd
	case KindNewsProviders:
		return ek == tws.EventNewsProviders
	}
	return false
}

// Cancel completes an awaiter as cancelled. No-op when already resolved.
func (r *Registry) Cancel(reqID int64) {
	r.mu.Lock()
	aw, ok := r.awaiters[reqID]
	if ok {
		delete(r.awaiters, reqID)
	}
	r.mu.Unlock()

	if ok {
		aw.done <- Completion{Err: ErrCancelled}
	}
}

// FailAll completes every pending awaiter with the given error. Used when
// the transport drops and all in-flight requests become unanswerable.
func (r *Registry) FailAll(err error) int {
	r.mu.Lock()
	pending := make([]*Awaiter, 0, len(r.awaiters))
	for id, aw := range r.awaiters {
		pending = append(pending, aw)
		delete(r.awaiters, id)
	}
	r.mu.Unlock()

	for _, aw := range pending {
		aw.done <- Completion{Err: err}
	}
	return len(pending)
}

// Reap completes awaiters whose deadline has passed. Returns the number
// timed out.
func (r *Registry) Reap(now time.Time) int {
	r.mu.Lock()
	var expired []*Awaiter
	for id, aw := range r.awaiters {
		if now.After(aw.TimeoutAt) {
			expired = append(expired, aw)
			delete(r.awaiters, id)
		}
	}
	r.mu.Unlock()

	for _, aw := range expired {
		r.logger.Warn("request timed out",
			"req_id", aw.ReqID,
			"kind", aw.Kind.String(),
			"age", now.Sub(aw.CreatedAt),
		)
		aw.done <- Completion{Err: ErrTimeout}
	}
	return len(expired)
}

// Pending returns the number of outstanding awaiters.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.awaiters)
}
