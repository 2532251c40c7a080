package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// State is the breaker position. Transitions happen only inside Do,
// ForceOpen, and ForceClose, always under the breaker mutex.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

var (
	// ErrOpen is returned without invoking the call when the breaker is
	// failing fast.
	ErrOpen = errors.New("circuit breaker is open")
	// ErrTimeout marks a call that exceeded the breaker's per-call timeout.
	// Timeouts count toward the error threshold like failures but are
	// tracked separately for diagnostics.
	ErrTimeout = errors.New("downstream call timed out")
)

// Event types surfaced on every notable breaker decision.
const (
	EventOpen     = "OPEN"
	EventHalfOpen = "HALF_OPEN"
	EventClosed   = "CLOSED"
	EventReject   = "REJECT"
	EventTimeout  = "TIMEOUT"
	EventFallback = "FALLBACK"
)

type Event struct {
	Server string `json:"server"`
	Type   string `json:"type"`
	State  string `json:"state"`
	At     string `json:"at"`
	Stats  *Stats `json:"stats,omitempty"`
}

// Stats is a point-in-time view of one breaker. Counters cover the rolling
// statistical window, not the process lifetime.
type Stats struct {
	State       string `json:"state"`
	Successes   int64  `json:"successes"`
	Failures    int64  `json:"failures"`
	Timeouts    int64  `json:"timeouts"`
	Rejects     int64  `json:"rejects"`
	Fallbacks   int64  `json:"fallbacks"`
	Forced      bool   `json:"forced,omitempty"`
	OpenedAt    string `json:"opened_at,omitempty"`
	NextProbeAt string `json:"next_probe_at,omitempty"`
}

// CallFunc is one downstream attempt. The context carries the breaker's
// per-call deadline; implementations must honor it.
type CallFunc func(ctx context.Context) (json.RawMessage, error)

// FallbackFunc substitutes a degraded result when the breaker rejects or
// the call fails. The cause is ErrOpen, ErrTimeout, or the call's error.
type FallbackFunc func(ctx context.Context, cause error) (json.RawMessage, error)

type Options struct {
	Timeout                  time.Duration
	ResetTimeout             time.Duration
	ErrorThresholdPercentage int
	VolumeThreshold          int
	Window                   time.Duration
	Buckets                  int
	Fallback                 FallbackFunc
}

const (
	DefaultTimeout                  = 5 * time.Second
	DefaultResetTimeout             = 30 * time.Second
	DefaultErrorThresholdPercentage = 50
	DefaultVolumeThreshold          = 5
	DefaultWindow                   = 10 * time.Second
	DefaultBuckets                  = 10
)

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.ResetTimeout <= 0 {
		o.ResetTimeout = DefaultResetTimeout
	}
	if o.ErrorThresholdPercentage <= 0 {
		o.ErrorThresholdPercentage = DefaultErrorThresholdPercentage
	}
	if o.ErrorThresholdPercentage > 100 {
		o.ErrorThresholdPercentage = 100
	}
	if o.VolumeThreshold <= 0 {
		o.VolumeThreshold = DefaultVolumeThreshold
	}
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.Buckets <= 0 {
		o.Buckets = DefaultBuckets
	}
	return o
}

type bucket struct {
	start     time.Time
	successes int64
	failures  int64
	timeouts  int64
	rejects   int64
	fallbacks int64
}

// Breaker guards calls to one downstream server. State lives for the
// process lifetime; a fleet of gateway replicas trips independently.
type Breaker struct {
	name string
	opts Options

	mu            sync.Mutex
	state         State
	forced        bool
	openedAt      time.Time
	nextProbeAt   time.Time
	halfOpenProbe bool
	buckets       []bucket
	cursor        int
	span          time.Duration

	onEvent func(Event)
	now     func() time.Time
}

func New(name string, opts Options, onEvent func(Event)) *Breaker {
	opts = opts.withDefaults()
	b := &Breaker{
		name:    name,
		opts:    opts,
		buckets: make([]bucket, opts.Buckets),
		span:    opts.Window / time.Duration(opts.Buckets),
		onEvent: onEvent,
		now:     func() time.Time { return time.Now().UTC() },
	}
	if b.span <= 0 {
		b.span = time.Millisecond
	}
	return b
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rotate(b.now())
	return b.state
}

// IsHealthy reports whether the breaker is passing traffic normally.
func (b *Breaker) IsHealthy() bool { return b.State() == StateClosed }

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rotate(b.now())
	return b.statsLocked()
}

func (b *Breaker) statsLocked() Stats {
	s := Stats{State: b.state.String(), Forced: b.forced}
	for _, bk := range b.buckets {
		s.Successes += bk.successes
		s.Failures += bk.failures
		s.Timeouts += bk.timeouts
		s.Rejects += bk.rejects
		s.Fallbacks += bk.fallbacks
	}
	if !b.openedAt.IsZero() && b.state != StateClosed {
		s.OpenedAt = b.openedAt.Format(time.RFC3339Nano)
	}
	if !b.nextProbeAt.IsZero() && b.state == StateOpen && !b.forced {
		s.NextProbeAt = b.nextProbeAt.Format(time.RFC3339Nano)
	}
	return s
}

// ForceOpen trips the breaker immediately and pins it open, bypassing all
// threshold logic, until ForceClose.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	now := b.now()
	b.state = StateOpen
	b.forced = true
	b.openedAt = now
	b.nextProbeAt = time.Time{}
	b.halfOpenProbe = false
	evt := b.eventLocked(EventOpen, now, true)
	b.mu.Unlock()
	b.emit(evt)
}

// ForceClose resets the breaker to CLOSED with a clean window.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	now := b.now()
	b.state = StateClosed
	b.forced = false
	b.openedAt = time.Time{}
	b.nextProbeAt = time.Time{}
	b.halfOpenProbe = false
	b.resetWindowLocked(now)
	evt := b.eventLocked(EventClosed, now, false)
	b.mu.Unlock()
	b.emit(evt)
}

// Do runs fn through the breaker. An OPEN breaker rejects without invoking
// fn; a HALF_OPEN breaker admits a single trial. A call that outlives the
// configured timeout is abandoned (its context is cancelled, the caller
// gets control back immediately) and recorded as a timeout.
func (b *Breaker) Do(ctx context.Context, fn CallFunc) (json.RawMessage, error) {
	admitted, events := b.admit()
	b.emitAll(events)
	if !admitted {
		return b.finishRejected(ctx)
	}

	payload, err := b.run(ctx, fn)

	outcomeEvents := b.recordOutcome(err)
	b.emitAll(outcomeEvents)
	if err == nil {
		return payload, nil
	}
	return b.finishFailed(ctx, err)
}

// admit decides whether the call may proceed, applying OPEN->HALF_OPEN
// probing and the single-trial rule.
func (b *Breaker) admit() (bool, []Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.rotate(now)

	switch b.state {
	case StateClosed:
		return true, nil
	case StateOpen:
		if !b.forced && !b.nextProbeAt.IsZero() && !now.Before(b.nextProbeAt) {
			b.state = StateHalfOpen
			b.halfOpenProbe = true
			return true, []Event{b.eventLocked(EventHalfOpen, now, false)}
		}
		b.currentBucket().rejects++
		return false, []Event{b.eventLocked(EventReject, now, false)}
	default: // StateHalfOpen
		if b.halfOpenProbe {
			b.currentBucket().rejects++
			return false, []Event{b.eventLocked(EventReject, now, false)}
		}
		b.halfOpenProbe = true
		return true, nil
	}
}

func (b *Breaker) run(ctx context.Context, fn CallFunc) (json.RawMessage, error) {
	callCtx, cancel := context.WithTimeout(ctx, b.opts.Timeout)
	type result struct {
		payload json.RawMessage
		err     error
	}
	done := make(chan result, 1)
	go func() {
		payload, err := fn(callCtx)
		done <- result{payload: payload, err: err}
		cancel()
	}()
	select {
	case res := <-done:
		return res.payload, res.err
	case <-callCtx.Done():
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrTimeout
	}
}

// recordOutcome applies the call result to the window and runs the state
// machine transitions.
func (b *Breaker) recordOutcome(callErr error) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.rotate(now)
	var events []Event

	if callErr == nil {
		b.currentBucket().successes++
		if b.state == StateHalfOpen {
			b.state = StateClosed
			b.halfOpenProbe = false
			b.openedAt = time.Time{}
			b.nextProbeAt = time.Time{}
			b.resetWindowLocked(now)
			events = append(events, b.eventLocked(EventClosed, now, false))
		}
		return events
	}

	if errors.Is(callErr, ErrTimeout) {
		b.currentBucket().timeouts++
		events = append(events, b.eventLocked(EventTimeout, now, false))
	} else {
		b.currentBucket().failures++
	}

	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.halfOpenProbe = false
		b.openedAt = now
		b.nextProbeAt = now.Add(b.opts.ResetTimeout)
		events = append(events, b.eventLocked(EventOpen, now, true))
	case StateClosed:
		if b.thresholdTrippedLocked() {
			b.state = StateOpen
			b.openedAt = now
			b.nextProbeAt = now.Add(b.opts.ResetTimeout)
			events = append(events, b.eventLocked(EventOpen, now, true))
		}
	}
	return events
}

func (b *Breaker) thresholdTrippedLocked() bool {
	var successes, failures, timeouts int64
	for _, bk := range b.buckets {
		successes += bk.successes
		failures += bk.failures
		timeouts += bk.timeouts
	}
	volume := successes + failures + timeouts
	if volume < int64(b.opts.VolumeThreshold) {
		return false
	}
	errCount := failures + timeouts
	return errCount*100 >= int64(b.opts.ErrorThresholdPercentage)*volume
}

func (b *Breaker) finishRejected(ctx context.Context) (json.RawMessage, error) {
	if b.opts.Fallback == nil {
		return nil, ErrOpen
	}
	b.mu.Lock()
	now := b.now()
	b.rotate(now)
	b.currentBucket().fallbacks++
	evt := b.eventLocked(EventFallback, now, false)
	b.mu.Unlock()
	b.emit(evt)
	return b.opts.Fallback(ctx, ErrOpen)
}

func (b *Breaker) finishFailed(ctx context.Context, cause error) (json.RawMessage, error) {
	if b.opts.Fallback == nil {
		return nil, cause
	}
	b.mu.Lock()
	now := b.now()
	b.rotate(now)
	b.currentBucket().fallbacks++
	evt := b.eventLocked(EventFallback, now, false)
	b.mu.Unlock()
	b.emit(evt)
	return b.opts.Fallback(ctx, cause)
}

func (b *Breaker) resetWindowLocked(now time.Time) {
	for i := range b.buckets {
		b.buckets[i] = bucket{}
	}
	b.cursor = 0
	b.buckets[0].start = now
}

func (b *Breaker) currentBucket() *bucket {
	return &b.buckets[b.cursor]
}

// rotate advances the ring so the cursor bucket covers now. Buckets that
// fall out of the window are zeroed as they are reused.
func (b *Breaker) rotate(now time.Time) {
	cur := &b.buckets[b.cursor]
	if cur.start.IsZero() {
		cur.start = now
		return
	}
	if now.Sub(cur.start) >= b.opts.Window {
		b.resetWindowLocked(now)
		return
	}
	for now.Sub(b.buckets[b.cursor].start) >= b.span {
		next := (b.cursor + 1) % len(b.buckets)
		start := b.buckets[b.cursor].start.Add(b.span)
		b.buckets[next] = bucket{start: start}
		b.cursor = next
	}
}

func (b *Breaker) eventLocked(eventType string, now time.Time, withStats bool) Event {
	evt := Event{
		Server: b.name,
		Type:   eventType,
		State:  b.state.String(),
		At:     now.Format(time.RFC3339Nano),
	}
	if withStats {
		stats := b.statsLocked()
		evt.Stats = &stats
	}
	return evt
}

func (b *Breaker) emit(evt Event) {
	if b.onEvent != nil {
		b.onEvent(evt)
	}
}

func (b *Breaker) emitAll(events []Event) {
	if b.onEvent == nil {
		return
	}
	for _, evt := range events {
		b.onEvent(evt)
	}
}
