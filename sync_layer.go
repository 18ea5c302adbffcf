package rollback

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/andersfylling/rollback/internal/inputqueue"
	"github.com/andersfylling/rollback/internal/savestate"
	"github.com/andersfylling/rollback/types"
)

// syncLayer owns the per-player input queues and the saved-state ring,
// and turns "what happened this tick" into the request stream. Sessions
// drive it; it never touches the network.
type syncLayer[I types.Input[I], S any] struct {
	numPlayers    int
	inputDelay    int
	maxPrediction int
	saveMode      SaveMode

	queues []*inputqueue.Queue[I]
	ring   *savestate.Ring[S]

	currentFrame  types.Frame
	lastConfirmed types.Frame
	rollingBack   bool

	// keepDepth keeps inputs reachable below the confirmed horizon for
	// sessions that roll back behind it (the sync test forces that).
	keepDepth int32

	log *zap.Logger
}

func newSyncLayer[I types.Input[I], S any](numPlayers, inputDelay, maxPrediction int, saveMode SaveMode, log *zap.Logger) *syncLayer[I, S] {
	s := &syncLayer[I, S]{
		numPlayers:    numPlayers,
		inputDelay:    inputDelay,
		maxPrediction: maxPrediction,
		saveMode:      saveMode,
		queues:        make([]*inputqueue.Queue[I], numPlayers),
		ring:          savestate.NewRing[S](maxPrediction + 2),
		currentFrame:  0,
		lastConfirmed: types.NullFrame,
		log:           log,
	}
	var zero I
	for i := range s.queues {
		s.queues[i] = inputqueue.New[I]()
		// Input delay means the first delay frames have no real inputs
		// anywhere; seed them as confirmed zero values on every peer so
		// the confirmed horizon can move from frame 0.
		for f := types.Frame(0); int(f) < inputDelay; f = f.Next() {
			_ = s.queues[i].AddInput(f, zero)
		}
	}
	return s
}

// addLocalInput records a local input, delayed so it lands on the frame
// remote peers can still receive it for. Returns the frame it was
// recorded at, which is also the frame broadcast to peers.
func (s *syncLayer[I, S]) addLocalInput(handle types.PlayerHandle, input I) (types.Frame, error) {
	target := s.currentFrame.Add(int32(s.inputDelay))
	if target.IsNull() {
		return types.NullFrame, &InvalidFrameError{Value: int64(s.currentFrame), Reason: "frame counter overflow"}
	}
	if err := s.queues[handle].AddInput(target, input); err != nil {
		return types.NullFrame, err
	}
	return target, nil
}

// addRemoteInput feeds an authoritative remote input into the owning
// queue; mispredictions are recorded there and picked up by the next
// rollback check.
func (s *syncLayer[I, S]) addRemoteInput(handle types.PlayerHandle, frame types.Frame, input I) error {
	return s.queues[handle].AddInput(frame, input)
}

// confirmedInput reads an authoritative input back out, for forwarding
// to spectators.
func (s *syncLayer[I, S]) confirmedInput(handle types.PlayerHandle, frame types.Frame) (I, bool) {
	return s.queues[handle].ConfirmedInput(frame)
}

// inputsFor collates every player's input for the frame, predicting
// where necessary.
func (s *syncLayer[I, S]) inputsFor(frame types.Frame) ([]types.PlayerInput[I], error) {
	inputs := make([]types.PlayerInput[I], s.numPlayers)
	for h, q := range s.queues {
		in, err := q.Input(frame)
		if err != nil {
			return nil, fmt.Errorf("player %d: %w", h, err)
		}
		inputs[h] = in
	}
	return inputs, nil
}

// saveNeeded decides whether the current frame gets a snapshot. Dense
// mode always saves. Sparse mode saves on a half-window cadence, plus
// every frame where some player's input is still a prediction, so a
// rollback target is never further than one frame below a snapshot.
func (s *syncLayer[I, S]) saveNeeded(frame types.Frame) bool {
	if s.saveMode == SaveDense {
		return true
	}
	interval := s.maxPrediction / 2
	if interval < 1 {
		interval = 1
	}
	if int(frame)%interval == 0 {
		return true
	}
	for _, q := range s.queues {
		lc := q.LastConfirmedFrame()
		if lc.IsNull() || lc < frame {
			return true
		}
	}
	return false
}

// rollbackTarget returns the oldest mispredicted frame that was already
// simulated, or null. Markers on frames not yet simulated are cleared
// on the spot: the correction arrived before the prediction was ever
// used.
func (s *syncLayer[I, S]) rollbackTarget() types.Frame {
	target := types.NullFrame
	for _, q := range s.queues {
		fi := q.FirstIncorrectFrame()
		if fi.IsNull() {
			continue
		}
		if fi >= s.currentFrame {
			q.ResetPrediction(fi)
			continue
		}
		if target.IsNull() || fi < target {
			target = fi
		}
	}
	return target
}

// appendRollback emits the load + resim request sequence for the given
// target and returns with currentFrame back at its pre-rollback value.
func (s *syncLayer[I, S]) appendRollback(requests []Request[I, S], target types.Frame) ([]Request[I, S], error) {
	if d, ok := s.currentFrame.Diff(target); !ok || int(d) > s.maxPrediction {
		return requests, &PredictionThresholdError{
			CurrentFrame:       s.currentFrame,
			LastConfirmedFrame: s.lastConfirmed,
		}
	}

	// Dense mode holds the exact frame; sparse mode falls back to the
	// newest snapshot at or below the target and re-simulates the gap.
	var cell *savestate.Cell[S]
	if s.saveMode == SaveDense {
		found, err := s.ring.Find(target)
		if err != nil {
			return requests, &PredictionThresholdError{
				CurrentFrame:       s.currentFrame,
				LastConfirmedFrame: s.lastConfirmed,
			}
		}
		cell = found
	} else {
		cell = s.ring.NewestSavedAtOrBefore(target)
		if cell == nil {
			return requests, &PredictionThresholdError{
				CurrentFrame:       s.currentFrame,
				LastConfirmedFrame: s.lastConfirmed,
			}
		}
	}

	resumeAt := s.currentFrame
	s.rollingBack = true
	s.currentFrame = cell.Frame()
	s.log.Debug("rollback",
		zap.Stringer("target", target),
		zap.Stringer("loaded", s.currentFrame),
		zap.Stringer("resume", resumeAt))

	requests = append(requests, Request[I, S]{Kind: RequestLoadState, Frame: s.currentFrame, Cell: cell})
	for s.currentFrame < resumeAt {
		var err error
		// Resim frames always snapshot, so a second correction landing
		// in the same span still finds its target.
		requests, err = s.appendSaveAdvance(requests, true)
		if err != nil {
			s.rollingBack = false
			return requests, err
		}
	}
	s.rollingBack = false

	for _, q := range s.queues {
		q.ResetPrediction(resumeAt)
	}
	return requests, nil
}

// appendSaveAdvance emits the snapshot (when due) and the advance for
// the current frame, then moves the frame counter forward.
func (s *syncLayer[I, S]) appendSaveAdvance(requests []Request[I, S], forceSave bool) ([]Request[I, S], error) {
	if forceSave || s.saveNeeded(s.currentFrame) {
		cell, err := s.ring.Reserve(s.currentFrame)
		if err != nil {
			return requests, err
		}
		requests = append(requests, Request[I, S]{Kind: RequestSaveState, Frame: s.currentFrame, Cell: cell})
	}
	inputs, err := s.inputsFor(s.currentFrame)
	if err != nil {
		return requests, err
	}
	requests = append(requests, Request[I, S]{Kind: RequestAdvanceFrame, Frame: s.currentFrame, Inputs: inputs})
	next := s.currentFrame.Next()
	if next.IsNull() {
		return requests, &InvalidFrameError{Value: int64(s.currentFrame), Reason: "frame counter overflow"}
	}
	s.currentFrame = next
	return requests, nil
}

// updateConfirmed recomputes the session-wide confirmed horizon and
// releases queue entries the engine can no longer need.
func (s *syncLayer[I, S]) updateConfirmed() {
	confirmed := types.MaxFrame
	for _, q := range s.queues {
		lc := q.LastConfirmedFrame()
		if lc.IsNull() {
			return
		}
		confirmed = types.Min(confirmed, lc)
	}
	if s.lastConfirmed.IsNull() || confirmed > s.lastConfirmed {
		s.lastConfirmed = confirmed
	}
	discard := s.lastConfirmed.Add(-int32(s.inputDelay) - 1)
	if s.keepDepth > 0 {
		discard = types.Min(discard, s.currentFrame.Add(-s.keepDepth-1))
	}
	if !discard.IsNull() {
		for _, q := range s.queues {
			q.DiscardConfirmedFrames(discard)
		}
	}
}

// savedChecksum reads the checksum the host stored for a frame, if the
// ring still holds that frame and the host filled it in.
func (s *syncLayer[I, S]) savedChecksum(frame types.Frame) (uint64, bool) {
	cell, err := s.ring.Find(frame)
	if err != nil {
		return 0, false
	}
	return cell.Checksum()
}

// frameHeld reports whether the ring still holds a cell for the frame.
func (s *syncLayer[I, S]) frameHeld(frame types.Frame) bool {
	_, err := s.ring.Find(frame)
	return err == nil
}

// barrierExceeded reports whether advancing one more frame would run
// further ahead of the confirmed horizon than the prediction window
// allows.
func (s *syncLayer[I, S]) barrierExceeded() bool {
	// A null horizon sits one frame before 0, which the int32 view of
	// the sentinel already encodes.
	gap := int32(s.currentFrame) + 1 - int32(s.lastConfirmed)
	return gap > int32(s.maxPrediction)
}

// framesAhead is how far the simulation runs past the confirmed
// horizon; hosts can use it to soften their render pacing.
func (s *syncLayer[I, S]) framesAhead() int32 {
	if s.lastConfirmed.IsNull() {
		return int32(s.currentFrame) + 1
	}
	d, _ := s.currentFrame.Diff(s.lastConfirmed)
	return d
}
