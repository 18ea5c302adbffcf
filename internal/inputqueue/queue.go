// Package inputqueue stores one player's inputs keyed by frame and
// synthesizes predictions for frames whose authoritative value has not
// arrived yet.
package inputqueue

import (
	"fmt"

	"github.com/andersfylling/rollback/types"
)

// DefaultCapacity bounds how many frames a queue holds. It has to cover
// the prediction window plus input delay with generous slack; confirmed
// entries are discarded as the session's confirmed frame advances.
const DefaultCapacity = 128

// Queue is a ring of per-frame inputs for a single player.
//
// Entries form a contiguous frame range [FirstFrame, LastAddedFrame].
// Prediction extends the range with repeat-last-known entries; an
// authoritative input that lands on a predicted entry with a different
// value records the misprediction in FirstIncorrectFrame.
type Queue[I types.Input[I]] struct {
	entries  []types.PlayerInput[I]
	head     int // index of the entry holding firstFrame
	length   int
	capacity int

	firstFrame         types.Frame
	lastAddedFrame     types.Frame
	lastConfirmedFrame types.Frame
	firstIncorrect     types.Frame

	lastKnown I // most recent authoritative input, basis for prediction
}

// New creates a queue with DefaultCapacity.
func New[I types.Input[I]]() *Queue[I] {
	return NewWithCapacity[I](DefaultCapacity)
}

// NewWithCapacity creates a queue holding at most capacity frames.
func NewWithCapacity[I types.Input[I]](capacity int) *Queue[I] {
	return &Queue[I]{
		entries:            make([]types.PlayerInput[I], capacity),
		capacity:           capacity,
		firstFrame:         types.NullFrame,
		lastAddedFrame:     types.NullFrame,
		lastConfirmedFrame: types.NullFrame,
		firstIncorrect:     types.NullFrame,
	}
}

// FirstIncorrectFrame returns the oldest frame where a confirmed input
// contradicted an earlier prediction, or null if none.
func (q *Queue[I]) FirstIncorrectFrame() types.Frame { return q.firstIncorrect }

// LastConfirmedFrame returns the newest frame up to which every entry
// is authoritative, or null if none is.
func (q *Queue[I]) LastConfirmedFrame() types.Frame { return q.lastConfirmedFrame }

// LastAddedFrame returns the newest held frame of any status.
func (q *Queue[I]) LastAddedFrame() types.Frame { return q.lastAddedFrame }

// FirstFrame returns the oldest held frame.
func (q *Queue[I]) FirstFrame() types.Frame { return q.firstFrame }

func (q *Queue[I]) at(frame types.Frame) *types.PlayerInput[I] {
	offset, _ := frame.Diff(q.firstFrame)
	return &q.entries[(q.head+int(offset))%q.capacity]
}

// push appends an entry for exactly lastAddedFrame+1 (or frame 0 when
// empty). The caller guarantees contiguity.
func (q *Queue[I]) push(entry types.PlayerInput[I]) error {
	if q.length == q.capacity {
		return fmt.Errorf("input queue full at frame %s (capacity %d)", entry.Frame, q.capacity)
	}
	if q.length == 0 {
		q.firstFrame = entry.Frame
	}
	q.entries[(q.head+q.length)%q.capacity] = entry
	q.length++
	q.lastAddedFrame = entry.Frame
	return nil
}

// AddInput records an authoritative input for the given frame.
//
// A frame at or before the confirmed prefix is a stale duplicate and is
// ignored. A gap above the newest held frame is smeared: the missing
// frames are filled with the last known input, marked predicted. An
// authoritative value landing on a predicted entry that guessed wrong
// lowers FirstIncorrectFrame.
func (q *Queue[I]) AddInput(frame types.Frame, input I) error {
	if frame.IsNull() {
		return fmt.Errorf("add input: null frame")
	}
	// Duplicate or stale delivery; retransmitted packets land here.
	if !q.lastConfirmedFrame.IsNull() && frame <= q.lastConfirmedFrame {
		return nil
	}
	if !q.firstFrame.IsNull() && frame < q.firstFrame {
		return nil
	}

	if q.lastAddedFrame.IsNull() || frame > q.lastAddedFrame {
		// Smear the gap with predictions so the held range stays
		// contiguous.
		start := types.Frame(0)
		if !q.lastAddedFrame.IsNull() {
			start = q.lastAddedFrame.Next()
		}
		for g := start; g < frame; g = g.Next() {
			if err := q.push(types.PlayerInput[I]{Frame: g, Input: q.lastKnown, Status: types.InputPredicted}); err != nil {
				return err
			}
		}
		if err := q.push(types.PlayerInput[I]{Frame: frame, Input: input, Status: types.InputConfirmed}); err != nil {
			return err
		}
	} else {
		// The frame is already held; it must be a prediction getting
		// confirmed (the confirmed prefix was rejected above).
		entry := q.at(frame)
		if entry.Status == types.InputPredicted && entry.Input != input {
			if q.firstIncorrect.IsNull() || frame < q.firstIncorrect {
				q.firstIncorrect = frame
			}
		}
		entry.Input = input
		entry.Status = types.InputConfirmed
	}

	q.lastKnown = input
	q.advanceConfirmed()
	return nil
}

// advanceConfirmed grows the confirmed prefix over freshly confirmed
// entries.
func (q *Queue[I]) advanceConfirmed() {
	next := q.lastConfirmedFrame.Next()
	if q.lastConfirmedFrame.IsNull() {
		next = q.firstFrame
	}
	for !next.IsNull() && next <= q.lastAddedFrame {
		if q.at(next).Status != types.InputConfirmed {
			return
		}
		q.lastConfirmedFrame = next
		next = next.Next()
	}
}

// Input returns the input for the given frame, predicting when the
// authoritative value is not known yet. Predicted entries are stored so
// later confirmations can detect mispredictions.
func (q *Queue[I]) Input(frame types.Frame) (types.PlayerInput[I], error) {
	if frame.IsNull() {
		return types.PlayerInput[I]{}, fmt.Errorf("get input: null frame")
	}
	if !q.firstFrame.IsNull() && frame < q.firstFrame {
		return types.PlayerInput[I]{}, fmt.Errorf("get input: frame %s already discarded (first held %s)", frame, q.firstFrame)
	}
	if !q.lastAddedFrame.IsNull() && frame <= q.lastAddedFrame {
		return *q.at(frame), nil
	}
	// Extend with repeat-last-known predictions up to the requested
	// frame.
	start := types.Frame(0)
	if !q.lastAddedFrame.IsNull() {
		start = q.lastAddedFrame.Next()
	}
	for g := start; g <= frame; g = g.Next() {
		if err := q.push(types.PlayerInput[I]{Frame: g, Input: q.lastKnown, Status: types.InputPredicted}); err != nil {
			return types.PlayerInput[I]{}, err
		}
	}
	return *q.at(frame), nil
}

// ConfirmedInput returns the authoritative input for the frame, or
// false if the frame is unconfirmed or no longer held.
func (q *Queue[I]) ConfirmedInput(frame types.Frame) (I, bool) {
	var zero I
	if frame.IsNull() || q.firstFrame.IsNull() || frame < q.firstFrame || frame > q.lastAddedFrame {
		return zero, false
	}
	entry := q.at(frame)
	if entry.Status != types.InputConfirmed {
		return zero, false
	}
	return entry.Input, true
}

// DiscardConfirmedFrames drops confirmed entries at or before the given
// frame, freeing queue space. Predicted entries are always retained.
func (q *Queue[I]) DiscardConfirmedFrames(frame types.Frame) {
	if frame.IsNull() || q.length == 0 {
		return
	}
	limit := types.Min(frame, q.lastConfirmedFrame)
	for q.length > 0 && !q.firstFrame.IsNull() && q.firstFrame <= limit {
		q.head = (q.head + 1) % q.capacity
		q.length--
		if q.length == 0 {
			q.firstFrame = q.lastAddedFrame.Next()
		} else {
			q.firstFrame = q.firstFrame.Next()
		}
	}
}

// ResetPrediction clears the misprediction marker once a rollback has
// replayed past it. Frames at or before the given frame must have been
// re-simulated with their corrected inputs by the caller.
func (q *Queue[I]) ResetPrediction(frame types.Frame) {
	if !q.firstIncorrect.IsNull() && q.firstIncorrect <= frame {
		q.firstIncorrect = types.NullFrame
	}
}
