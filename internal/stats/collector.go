package stats

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const ringSize = 60

// Collector aggregates progress telemetry for one transfer. Tools report
// absolute byte positions, so bytes only ever move forward: a sample lower
// than the current value is ignored.
type Collector struct {
	bytesDone  atomic.Uint64
	bytesTotal atomic.Uint64
	records    atomic.Uint64
	entries    atomic.Uint64
	lines      atomic.Uint64
	startTime  time.Time

	// Ring buffer, written only by Tick.
	mu         sync.Mutex
	throughput [ringSize]uint64 // bytes delta per second
	ringIdx    int
	ringCount  int
	lastBytes  uint64
}

// NewCollector creates a Collector with startTime set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// SetTotal records the expected byte total. Zero means unknown.
func (c *Collector) SetTotal(bytes uint64) { c.bytesTotal.Store(bytes) }

// ObserveBytes records an absolute byte position. When a total is known the
// value is clamped to it.
func (c *Collector) ObserveBytes(n uint64) uint64 {
	if total := c.bytesTotal.Load(); total > 0 && n > total {
		n = total
	}
	for {
		cur := c.bytesDone.Load()
		if n <= cur {
			return cur
		}
		if c.bytesDone.CompareAndSwap(cur, n) {
			return n
		}
	}
}

// ObserveRecords records an absolute tar record count.
func (c *Collector) ObserveRecords(n uint64) {
	for {
		cur := c.records.Load()
		if n <= cur || c.records.CompareAndSwap(cur, n) {
			return
		}
	}
}

func (c *Collector) AddEntries(n uint64) uint64 { return c.entries.Add(n) }
func (c *Collector) AddLines(n uint64)          { c.lines.Add(n) }

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	BytesDone  uint64
	BytesTotal uint64
	Records    uint64
	Entries    uint64
	Lines      uint64
	Elapsed    time.Duration
}

// Snapshot returns a point-in-time read of all counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		BytesDone:  c.bytesDone.Load(),
		BytesTotal: c.bytesTotal.Load(),
		Records:    c.records.Load(),
		Entries:    c.entries.Load(),
		Lines:      c.lines.Load(),
		Elapsed:    c.Elapsed(),
	}
}

// Tick snapshots the byte delta into the ring buffer. Called 1/sec by the
// presenter.
func (c *Collector) Tick() {
	current := c.bytesDone.Load()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.throughput[c.ringIdx] = current - c.lastBytes
	c.lastBytes = current
	c.ringIdx = (c.ringIdx + 1) % ringSize
	if c.ringCount < ringSize {
		c.ringCount++
	}
}

// RollingSpeed returns average bytes/sec over the last n seconds of samples.
func (c *Collector) RollingSpeed(seconds int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := min(seconds, c.ringCount)
	if count <= 0 {
		return 0
	}
	var sum uint64
	for i := range count {
		idx := (c.ringIdx - 1 - i + ringSize) % ringSize
		sum += c.throughput[idx]
	}
	return float64(sum) / float64(count)
}

// AverageSpeed returns bytes/sec over the whole run.
func (c *Collector) AverageSpeed() float64 {
	secs := c.Elapsed().Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(c.bytesDone.Load()) / secs
}

// ETA estimates remaining time from the rolling speed. Zero when the total
// is unknown or nothing is moving.
func (c *Collector) ETA() time.Duration {
	total := c.bytesTotal.Load()
	done := c.bytesDone.Load()
	if total == 0 || done >= total {
		return 0
	}
	speed := c.RollingSpeed(10)
	if speed <= 0 {
		return 0
	}
	return time.Duration(float64(total-done)/speed) * time.Second
}

// Elapsed returns time since collector creation.
func (c *Collector) Elapsed() time.Duration {
	return time.Since(c.startTime)
}

func (s Snapshot) String() string {
	return fmt.Sprintf(
		"bytes=%d total=%d records=%d entries=%d lines=%d",
		s.BytesDone, s.BytesTotal, s.Records, s.Entries, s.Lines,
	)
}
