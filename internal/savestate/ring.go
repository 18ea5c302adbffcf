// Package savestate keeps the fixed-capacity ring of simulation
// snapshots the sync layer rolls back to.
package savestate

import (
	"fmt"

	"github.com/andersfylling/rollback/types"
)

// Cell is one slot of the ring. The engine reserves a cell and hands it
// to the host inside a save request; the host clones its state into the
// cell before the next advance call. That lifecycle is a contract, not
// a lock.
type Cell[S any] struct {
	frame    types.Frame
	state    S
	checksum uint64
	hasState bool
}

// Frame returns the frame this cell was reserved for.
func (c *Cell[S]) Frame() types.Frame { return c.frame }

// Save stores the host's snapshot and its checksum. A checksum of 0
// means the host did not compute one.
func (c *Cell[S]) Save(state S, checksum uint64) {
	c.state = state
	c.checksum = checksum
	c.hasState = true
}

// Load returns the stored snapshot.
func (c *Cell[S]) Load() (S, error) {
	if !c.hasState {
		var zero S
		return zero, fmt.Errorf("cell for frame %s holds no state", c.frame)
	}
	return c.state, nil
}

// Checksum returns the stored checksum and whether a snapshot was
// saved at all.
func (c *Cell[S]) Checksum() (uint64, bool) {
	return c.checksum, c.hasState
}

func (c *Cell[S]) reset(frame types.Frame) {
	var zero S
	c.frame = frame
	c.state = zero
	c.checksum = 0
	c.hasState = false
}

// Ring is the frame-indexed circular buffer of cells. Capacity is
// max prediction frames + 2, so the rollback target and the current
// frame always both fit.
type Ring[S any] struct {
	cells     []Cell[S]
	lastSaved types.Frame
}

// NewRing creates a ring with the given capacity.
func NewRing[S any](capacity int) *Ring[S] {
	r := &Ring[S]{
		cells:     make([]Cell[S], capacity),
		lastSaved: types.NullFrame,
	}
	for i := range r.cells {
		r.cells[i].frame = types.NullFrame
	}
	return r
}

// Capacity returns the number of slots.
func (r *Ring[S]) Capacity() int { return len(r.cells) }

// LastSavedFrame returns the newest reserved frame.
func (r *Ring[S]) LastSavedFrame() types.Frame { return r.lastSaved }

// Reserve claims the cell for the given frame, evicting whatever older
// frame occupied the slot. The returned cell stays findable until
// Reserve has been called at least Capacity more times.
//
// Re-reserving a frame the slot already holds keeps the stored snapshot
// until the host overwrites it: a rollback's re-simulation reserves the
// frame it just loaded, and the load request must still be servable.
func (r *Ring[S]) Reserve(frame types.Frame) (*Cell[S], error) {
	if frame.IsNull() {
		return nil, fmt.Errorf("reserve: null frame")
	}
	cell := &r.cells[int(frame)%len(r.cells)]
	if cell.frame != frame {
		cell.reset(frame)
	}
	if r.lastSaved.IsNull() || frame > r.lastSaved {
		r.lastSaved = frame
	}
	return cell, nil
}

// Find locates the cell holding the given frame. It fails when the slot
// has since been reused for a different frame.
func (r *Ring[S]) Find(frame types.Frame) (*Cell[S], error) {
	if frame.IsNull() {
		return nil, fmt.Errorf("find: null frame")
	}
	cell := &r.cells[int(frame)%len(r.cells)]
	if cell.frame != frame {
		return nil, fmt.Errorf("frame %s not saved (slot holds %s)", frame, cell.frame)
	}
	return cell, nil
}

// Latest returns the cell for the newest reserved frame, or nil if
// nothing was reserved yet.
func (r *Ring[S]) Latest() *Cell[S] {
	if r.lastSaved.IsNull() {
		return nil
	}
	cell := &r.cells[int(r.lastSaved)%len(r.cells)]
	if cell.frame != r.lastSaved {
		return nil
	}
	return cell
}

// NewestSavedAtOrBefore returns the cell with the highest frame not
// exceeding the target. Sparse save mode rolls back to such a cell and
// re-simulates the remainder.
func (r *Ring[S]) NewestSavedAtOrBefore(target types.Frame) *Cell[S] {
	var best *Cell[S]
	for i := range r.cells {
		c := &r.cells[i]
		if c.frame.IsNull() || c.frame > target {
			continue
		}
		if best == nil || c.frame > best.frame {
			best = c
		}
	}
	return best
}
