package syncer

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

const (
	DefaultPollInterval    = 3 * time.Second
	DefaultPollTolerance   = 10 * time.Second
	DefaultPollMaxAttempts = 100
)

type State int

const (
	Synced State = iota
	Pending
	Unconfirmed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Unconfirmed:
		return "unconfirmed"
	default:
		return "synced"
	}
}

// Status is a snapshot of the tracker. LastPush is the most recent push
// time observed by a poll.
type Status struct {
	State     State     `json:"-"`
	StateName string    `json:"state"`
	LastWrite time.Time `json:"lastWrite,omitempty"`
	LastPush  time.Time `json:"lastPush,omitempty"`
	Attempts  int       `json:"attempts"`
}

func (s Status) Synced() bool {
	return s.State == Synced
}

// PushSource reports when the remote repository last received a push.
type PushSource interface {
	PushTimestamp(ctx context.Context) (time.Time, error)
}

type TrackerOptions struct {
	Interval time.Duration
	// Tolerance absorbs clock skew between the local write time and the
	// host's recorded push time.
	Tolerance time.Duration
	// MaxAttempts bounds polling; zero means DefaultPollMaxAttempts and a
	// negative value polls until confirmed or cancelled.
	MaxAttempts int
	// Jitter is the interval jitter ratio in [0, 1].
	Jitter float64
	Logger Logger
}

// Tracker confirms remote writes by polling the push timestamp. Each
// MarkWrite supersedes the pending poll.
type Tracker struct {
	source      PushSource
	interval    time.Duration
	tolerance   time.Duration
	maxAttempts int
	jitter      float64
	logger      Logger

	mu      sync.Mutex
	rng     *rand.Rand
	status  Status
	gen     uint64
	cancel  context.CancelFunc
	subs    map[int]chan Status
	nextSub int
	closed  bool
	wg      sync.WaitGroup
}

func NewTracker(source PushSource, opts TrackerOptions) *Tracker {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	tolerance := opts.Tolerance
	if tolerance < 0 {
		tolerance = 0
	} else if tolerance == 0 {
		tolerance = DefaultPollTolerance
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = DefaultPollMaxAttempts
	}
	return &Tracker{
		source:      source,
		interval:    interval,
		tolerance:   tolerance,
		maxAttempts: maxAttempts,
		jitter:      clampJitterRatio(opts.Jitter),
		logger:      opts.Logger,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		status:      Status{State: Synced, StateName: Synced.String()},
		subs:        map[int]chan Status{},
	}
}

// MarkWrite records a remote-mutating action at the given time and starts
// polling for it, cancelling any poll still running for an earlier write.
func (t *Tracker) MarkWrite(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if t.cancel != nil {
		t.cancel()
	}
	t.gen++
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.setLocked(Status{State: Pending, LastWrite: at, LastPush: t.status.LastPush})

	t.wg.Add(1)
	go t.poll(ctx, t.gen, at)
}

func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Subscribe returns a channel receiving every status transition, starting
// with the current status. Slow receivers only see the latest status.
func (t *Tracker) Subscribe() (<-chan Status, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan Status, 1)
	ch <- t.status
	if t.closed {
		close(ch)
		return ch, func() {}
	}
	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if sub, ok := t.subs[id]; ok {
				delete(t.subs, id)
				close(sub)
			}
		})
	}
}

// Close stops polling and closes every subscription. A pending write stays
// Pending.
func (t *Tracker) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	if t.cancel != nil {
		t.cancel()
	}
	for id, ch := range t.subs {
		delete(t.subs, id)
		close(ch)
	}
	t.mu.Unlock()
	t.wg.Wait()
}

func (t *Tracker) poll(ctx context.Context, gen uint64, writeAt time.Time) {
	defer t.wg.Done()
	threshold := writeAt.Add(-t.tolerance)
	timer := time.NewTimer(t.nextDelay())
	defer timer.Stop()
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		pushed, err := t.source.PushTimestamp(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logf("sync poll %d failed: %v", attempt, err)
		} else if !pushed.Before(threshold) {
			t.settle(gen, Status{State: Synced, LastWrite: writeAt, LastPush: pushed, Attempts: attempt})
			return
		}
		if t.maxAttempts > 0 && attempt >= t.maxAttempts {
			t.logf("sync not confirmed after %d polls", attempt)
			t.settle(gen, Status{State: Unconfirmed, LastWrite: writeAt, LastPush: pushed, Attempts: attempt})
			return
		}
		t.settle(gen, Status{State: Pending, LastWrite: writeAt, LastPush: pushed, Attempts: attempt})
		timer.Reset(t.nextDelay())
	}
}

// settle publishes status unless a newer write has superseded gen.
func (t *Tracker) settle(gen uint64, status Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen || t.closed {
		return
	}
	if status.LastPush.IsZero() {
		status.LastPush = t.status.LastPush
	}
	t.setLocked(status)
}

func (t *Tracker) setLocked(status Status) {
	status.StateName = status.State.String()
	t.status = status
	for _, ch := range t.subs {
		select {
		case ch <- status:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- status
		}
	}
}

func (t *Tracker) nextDelay() time.Duration {
	t.mu.Lock()
	sample := t.rng.Float64()
	t.mu.Unlock()
	return jitteredIntervalWithSample(t.interval, t.jitter, sample)
}

func (t *Tracker) logf(format string, args ...any) {
	if t.logger == nil {
		return
	}
	t.logger.Printf(format, args...)
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
