// Package timesync estimates how far ahead of a peer the local
// simulation runs and recommends frames to skip. Both sides run the
// same policy, so whichever peer is ahead slows down and wall-clock
// frame numbers converge without explicit clock sync.
package timesync

import (
	"sort"

	"github.com/andersfylling/rollback/types"
)

// Defaults; tunable through the session builder.
const (
	DefaultWindow    = 40
	DefaultThreshold = 2
	DefaultInterval  = 240
	// MaxRecommendation caps a single recommendation so a bad sample
	// window cannot stall the session for seconds.
	MaxRecommendation = 10
)

// Estimator keeps moving windows of frame-advantage samples. Local
// samples are measured from received packets (how far our frame is
// ahead of the remote's last known frame, minus half the RTT); remote
// samples are the advantage the peer reports for itself.
type Estimator struct {
	local  []int32
	remote []int32
	idx    int
	filled bool

	threshold int32
	interval  int32

	lastRecommendation types.Frame
}

// New creates an estimator with the default window and thresholds.
func New() *Estimator {
	return NewWithConfig(DefaultWindow, DefaultThreshold, DefaultInterval)
}

// NewWithConfig creates an estimator with explicit tuning.
func NewWithConfig(window int, threshold, interval int32) *Estimator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Estimator{
		local:              make([]int32, window),
		remote:             make([]int32, window),
		threshold:          threshold,
		interval:           interval,
		lastRecommendation: types.NullFrame,
	}
}

// AddSample records one local/remote advantage pair, overwriting the
// oldest pair once the window is full.
func (e *Estimator) AddSample(localAdvantage, remoteAdvantage int32) {
	e.local[e.idx] = localAdvantage
	e.remote[e.idx] = remoteAdvantage
	e.idx++
	if e.idx == len(e.local) {
		e.idx = 0
		e.filled = true
	}
}

func median(window []int32, n int) int32 {
	tmp := make([]int32, n)
	copy(tmp, window[:n])
	sort.Slice(tmp, func(i, j int) bool { return tmp[i] < tmp[j] })
	return tmp[n/2]
}

func (e *Estimator) sampleCount() int {
	if e.filled {
		return len(e.local)
	}
	return e.idx
}

// LocalAdvantage returns the current median local advantage, for
// quality snapshots.
func (e *Estimator) LocalAdvantage() int32 {
	n := e.sampleCount()
	if n == 0 {
		return 0
	}
	return median(e.local, n)
}

// RemoteAdvantage returns the current median reported remote
// advantage.
func (e *Estimator) RemoteAdvantage() int32 {
	n := e.sampleCount()
	if n == 0 {
		return 0
	}
	return median(e.remote, n)
}

// RecommendedSleep returns how many frames the local side should skip
// at the given frame, or 0. Recommendations are rate-limited to one per
// interval so both sides get a chance to react before the next nudge.
func (e *Estimator) RecommendedSleep(current types.Frame) int32 {
	n := e.sampleCount()
	if n == 0 {
		return 0
	}
	if !e.lastRecommendation.IsNull() {
		if d, ok := current.Diff(e.lastRecommendation); ok && d < e.interval {
			return 0
		}
	}

	diff := median(e.local, n) - median(e.remote, n)
	if diff <= e.threshold {
		return 0
	}
	sleep := (diff - e.threshold) / 2
	if sleep <= 0 {
		return 0
	}
	if sleep > MaxRecommendation {
		sleep = MaxRecommendation
	}
	e.lastRecommendation = current
	return sleep
}
