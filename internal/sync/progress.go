package sync

import (
	"log/slog"
	gosync "sync"
	"sync/atomic"
	"time"
)

// ProgressRecord is one phase-tagged progress event.
type ProgressRecord struct {
	SessionID  string    `json:"session_id"`
	Scope      string    `json:"scope"`
	Stage      Stage     `json:"stage"`
	Message    string    `json:"message"`
	Uploaded   int       `json:"uploaded"`
	Downloaded int       `json:"downloaded"`
	Errors     int       `json:"errors"`
	At         time.Time `json:"at"`
}

// ProgressSink receives progress records.
type ProgressSink interface {
	Report(ProgressRecord)
}

// ProgressFunc adapts a function to ProgressSink.
type ProgressFunc func(ProgressRecord)

// Report calls f(r).
func (f ProgressFunc) Report(r ProgressRecord) { f(r) }

// DefaultProgressBuffer is the number of records an AsyncProgress holds before dropping.
const DefaultProgressBuffer = 256

// ProgressDrainTimeout bounds how long Close waits for buffered records to reach the sink.
const ProgressDrainTimeout = time.Second

// AsyncProgress forwards records to a sink from its own goroutine so a slow sink
// never blocks a run. Records are dropped when the buffer is full.
type AsyncProgress struct {
	sink    ProgressSink
	records chan ProgressRecord
	done    chan struct{}
	dropped atomic.Int64

	mu     gosync.RWMutex
	closed bool
}

// NewAsyncProgress starts a dispatcher for sink with the given buffer size.
func NewAsyncProgress(sink ProgressSink, buffer int) *AsyncProgress {
	if buffer <= 0 {
		buffer = DefaultProgressBuffer
	}
	p := &AsyncProgress{
		sink:    sink,
		records: make(chan ProgressRecord, buffer),
		done:    make(chan struct{}),
	}
	go p.loop()
	return p
}

func (p *AsyncProgress) loop() {
	defer close(p.done)
	for r := range p.records {
		p.sink.Report(r)
	}
}

// Report enqueues r without blocking.
func (p *AsyncProgress) Report(r ProgressRecord) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.records <- r:
	default:
		if n := p.dropped.Add(1); n == 1 || n%100 == 0 {
			slog.Debug("progress record dropped",
				"component", "progress",
				"stage", r.Stage,
				"dropped_total", n,
			)
		}
	}
}

// Dropped returns how many records were discarded because the buffer was full.
func (p *AsyncProgress) Dropped() int64 {
	return p.dropped.Load()
}

// Close stops accepting records and waits up to ProgressDrainTimeout for buffered
// ones to be delivered. It reports whether the sink drained in time; records still
// buffered after that are delivered in the background if the sink recovers.
func (p *AsyncProgress) Close() bool {
	return p.CloseTimeout(ProgressDrainTimeout)
}

// CloseTimeout is Close with an explicit drain bound.
func (p *AsyncProgress) CloseTimeout(d time.Duration) bool {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.records)
	}
	p.mu.Unlock()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.done:
		return true
	case <-timer.C:
		slog.Warn("progress sink did not drain",
			"component", "progress",
			"pending", len(p.records),
			"timeout", d.String(),
		)
		return false
	}
}
