package scheduler

import (
	"sync"
	"time"
)

const (
	DefaultInterval    = "5m"
	DefaultTickTimeout = 4 * time.Minute
	historySize        = 50
)

type Config struct {
	Enabled     bool
	Interval    string // any ParseSchedule form
	Timezone    string // IANA name; empty means local time
	TickTimeout time.Duration
}

// runGate admits one tick at a time.
type runGate struct {
	mu      sync.Mutex
	running bool
	started time.Time
	done    chan struct{}
}

func (g *runGate) tryAcquire(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return false
	}
	g.running = true
	g.started = now
	g.done = make(chan struct{})
	return true
}

func (g *runGate) release() {
	g.mu.Lock()
	if g.running {
		g.running = false
		close(g.done)
	}
	g.mu.Unlock()
}

func (g *runGate) state() (bool, time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running, g.started
}

// idle returns a channel closed once no tick is running.
func (g *runGate) idle() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return g.done
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

// TickRecord is one entry of the tick history.
type TickRecord struct {
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Skipped  bool          `json:"skipped,omitempty"`
	Error    string        `json:"error,omitempty"`
}

type Snapshot struct {
	Enabled    bool         `json:"enabled"`
	Spec       string       `json:"spec"`
	Timezone   string       `json:"timezone"`
	Running    bool         `json:"running"`
	TickActive bool         `json:"tick_active"`
	Next       time.Time    `json:"next,omitempty"`
	Prev       time.Time    `json:"prev,omitempty"`
	Ticks      uint64       `json:"ticks"`
	Skipped    uint64       `json:"skipped"`
	History    []TickRecord `json:"history"`
}
