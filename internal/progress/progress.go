// Package progress carries engine progress events to a caller that polls for them.
package progress

import (
	"context"
	"sync"
	"time"

	"github.com/fgeck/nextcloud-restore/internal/models"
)

// HeartbeatInterval is the cadence of indeterminate events during bulk transfers.
const HeartbeatInterval = 3 * time.Second

// Sink receives progress events. Implementations must not block the engine.
type Sink interface {
	Report(ev models.ProgressEvent)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ev models.ProgressEvent)

// Report calls f(ev).
func (f SinkFunc) Report(ev models.ProgressEvent) {
	f(ev)
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(models.ProgressEvent) {})

// Queue buffers events in emission order until the owner drains them.
type Queue struct {
	mu     sync.Mutex
	events []models.ProgressEvent
	done   bool
	err    error
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Report appends ev.
func (q *Queue) Report(ev models.ProgressEvent) {
	q.mu.Lock()
	q.events = append(q.events, ev)
	q.mu.Unlock()
}

// Drain returns and clears all pending events.
func (q *Queue) Drain() []models.ProgressEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.events
	q.events = nil
	return out
}

// Finish marks the producing worker as complete.
func (q *Queue) Finish(err error) {
	q.mu.Lock()
	q.done = true
	q.err = err
	q.mu.Unlock()
}

// Done reports whether the worker finished, and with which error.
func (q *Queue) Done() (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.done, q.err
}

// Range maps sub-step fractions onto [Lo, Hi] of the overall percentage.
type Range struct {
	Sink  Sink
	Phase string
	Lo    int
	Hi    int
}

// NewRange creates a range reporter for one phase.
func NewRange(sink Sink, phase string, lo, hi int) *Range {
	if sink == nil {
		sink = Discard
	}
	return &Range{Sink: sink, Phase: phase, Lo: lo, Hi: hi}
}

// Start reports the phase entry at Lo.
func (r *Range) Start(msg string) {
	r.Sink.Report(models.ProgressEvent{Phase: r.Phase, Percent: r.Lo, Message: msg, Total: -1})
}

// Step reports done of total. A negative total is reported as indeterminate.
func (r *Range) Step(done, total int, msg, item string) {
	ev := models.ProgressEvent{Phase: r.Phase, Message: msg, Item: item, Done: done, Total: total}
	if total <= 0 {
		ev.Percent = r.Lo
		ev.Indeterminate = true
		ev.Total = -1
	} else {
		if done > total {
			done = total
		}
		ev.Percent = r.Lo + (r.Hi-r.Lo)*done/total
	}
	r.Sink.Report(ev)
}

// Pulse reports an indeterminate heartbeat.
func (r *Range) Pulse(msg, item string) {
	r.Sink.Report(models.ProgressEvent{Phase: r.Phase, Percent: r.Lo, Message: msg, Item: item, Indeterminate: true, Total: -1})
}

// End reports the phase exit at Hi.
func (r *Range) End(msg string) {
	r.Sink.Report(models.ProgressEvent{Phase: r.Phase, Percent: r.Hi, Message: msg})
}

// Reset leaves an indeterminate stretch: the indicator goes back to determinate
// mode at 0 until the next phase reports its own value.
func (r *Range) Reset(msg string) {
	r.Sink.Report(models.ProgressEvent{Phase: r.Phase, Percent: 0, Message: msg})
}

// Heartbeat calls fn every interval until the returned stop func is called or ctx ends.
func Heartbeat(ctx context.Context, interval time.Duration, fn func()) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}
