package flatpack

import (
	"sync"
)

// ProgressCallback receives a snapshot of a [Progress] every time it changes.
// It's called after the progress lock has been released, so it may read the
// Progress again or block without holding up other updaters.
type ProgressCallback func(percent int, status string)

// Progress is the progress-reporting structure shared between an archive
// operation and whoever is watching it, e.g. a UI thread. All methods are safe
// for concurrent use. A nil *Progress is valid and silently discards updates,
// so codec code never needs to check whether reporting was requested.
type Progress struct {
	mu       sync.Mutex
	total    int64
	done     int64
	status   string
	callback ProgressCallback
}

// NewProgress creates a Progress that invokes `callback` on every change. The
// callback may be nil.
func NewProgress(callback ProgressCallback) *Progress {
	return &Progress{callback: callback}
}

// SetStatus replaces the free-text status.
func (p *Progress) SetStatus(status string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.status = status
	percent := p.percentLocked()
	p.mu.Unlock()
	p.notify(percent, status)
}

// Start resets the counters for a new unit of work of `total` bytes.
func (p *Progress) Start(total int64, status string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.total = total
	p.done = 0
	p.status = status
	percent := p.percentLocked()
	p.mu.Unlock()
	p.notify(percent, status)
}

// Advance records that `n` more bytes have been processed.
func (p *Progress) Advance(n int64) {
	if p == nil || n == 0 {
		return
	}
	p.mu.Lock()
	p.done += n
	percent := p.percentLocked()
	status := p.status
	p.mu.Unlock()
	p.notify(percent, status)
}

// Finish marks the current unit of work as complete.
func (p *Progress) Finish(status string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.total < p.done {
		p.total = p.done
	}
	p.done = p.total
	p.status = status
	p.mu.Unlock()
	p.notify(100, status)
}

// Snapshot returns the current completion percentage and status.
func (p *Progress) Snapshot() (int, string) {
	if p == nil {
		return 0, ""
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.percentLocked(), p.status
}

func (p *Progress) percentLocked() int {
	if p.total <= 0 {
		return 0
	}
	if p.done >= p.total {
		return 100
	}
	return int(p.done * 100 / p.total)
}

func (p *Progress) notify(percent int, status string) {
	if p.callback != nil {
		p.callback(percent, status)
	}
}
