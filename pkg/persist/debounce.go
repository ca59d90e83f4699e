package persist

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// WriteResult is reported to observers after every attempted snapshot
// write, successful or not. Failed writes never discard in-memory
// content; only the persisted copy lags until a retry lands.
type WriteResult struct {
	Ref Ref
	Err error
}

type DebouncerSettings struct {
	// Interval is the quiet period after the last edit before a write.
	Interval time.Duration
	// RetryInitial and RetryMax bound the backoff between attempts
	// after a failed write.
	RetryInitial time.Duration
	RetryMax     time.Duration
	Now          func() time.Time
}

func DefaultDebouncerSettings() DebouncerSettings {
	return DebouncerSettings{
		Interval:     2 * time.Second,
		RetryInitial: time.Second,
		RetryMax:     30 * time.Second,
		Now:          time.Now,
	}
}

// A Debouncer coalesces document change notifications into snapshot
// writes: each notification restarts a fixed delay, and only a delay
// that runs out untouched triggers a write. Any number of edits inside
// one window cost exactly one write.
type Debouncer struct {
	store    Store
	room     string
	source   func() []byte
	settings DebouncerSettings

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	timer     *time.Timer
	retries   int
	dirty     bool
	observers []func(WriteResult)

	writeMu sync.Mutex
}

// NewDebouncer wires a debouncer for one room. source must return the
// current serialized document and is only called at write time, so a
// write always captures the newest content.
func NewDebouncer(ctx context.Context, store Store, room string, source func() []byte, settings DebouncerSettings) *Debouncer {
	if settings.Interval <= 0 {
		settings.Interval = DefaultDebouncerSettings().Interval
	}
	if settings.RetryInitial <= 0 {
		settings.RetryInitial = DefaultDebouncerSettings().RetryInitial
	}
	if settings.RetryMax <= 0 {
		settings.RetryMax = DefaultDebouncerSettings().RetryMax
	}
	if settings.Now == nil {
		settings.Now = time.Now
	}
	dctx, cancel := context.WithCancel(ctx)
	return &Debouncer{
		store:    store,
		room:     room,
		source:   source,
		settings: settings,
		ctx:      dctx,
		cancel:   cancel,
	}
}

// OnResult registers an observer for write outcomes.
func (d *Debouncer) OnResult(fn func(WriteResult)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, fn)
}

// Notify marks the document dirty and (re)starts the debounce delay.
// Called from the document's subscribe callback; never blocks.
func (d *Debouncer) Notify() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx.Err() != nil {
		return
	}
	d.dirty = true
	d.resetTimerLocked(d.settings.Interval)
}

func (d *Debouncer) resetTimerLocked(delay time.Duration) {
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(delay, d.fire)
}

func (d *Debouncer) fire() {
	if d.ctx.Err() != nil {
		return
	}
	if err := d.write(d.ctx); err != nil {
		d.mu.Lock()
		if d.ctx.Err() == nil {
			d.retries++
			delay := d.settings.RetryInitial << (d.retries - 1)
			if delay > d.settings.RetryMax || delay <= 0 {
				delay = d.settings.RetryMax
			}
			slog.Error("snapshot write failed, will retry", "room", d.room, "delay", delay, "err", err)
			d.resetTimerLocked(delay)
		}
		d.mu.Unlock()
	}
}

// Flush persists the current content immediately, regardless of any
// pending debounce delay. Used for explicit saves and pre-shutdown.
func (d *Debouncer) Flush(ctx context.Context) error {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.dirty = true
	d.mu.Unlock()
	return d.write(ctx)
}

func (d *Debouncer) write(ctx context.Context) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	d.mu.Lock()
	if !d.dirty {
		d.mu.Unlock()
		return nil
	}
	d.dirty = false
	d.mu.Unlock()

	ref, err := d.store.Put(ctx, d.room, d.settings.Now(), d.source())

	d.mu.Lock()
	if err != nil {
		d.dirty = true
	} else {
		d.retries = 0
	}
	observers := make([]func(WriteResult), len(d.observers))
	copy(observers, d.observers)
	d.mu.Unlock()

	for _, fn := range observers {
		fn(WriteResult{Ref: ref, Err: err})
	}
	return err
}

// Close cancels any pending delay and retry. It does not flush; callers
// that want a final write call Flush first.
func (d *Debouncer) Close() {
	d.cancel()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
