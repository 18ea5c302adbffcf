package rollback

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/andersfylling/rollback/types"
)

// SyncTestSession is the offline determinism checker. It drives the
// host simulation from local inputs only, and every frame it forces a
// rollback of checkDistance frames and re-simulates, comparing the
// checksums the host stores for re-visited frames against the first
// pass. Any divergence means the simulation is not deterministic, which
// would desync a real match.
type SyncTestSession[I types.Input[I], S any] struct {
	numPlayers    int
	checkDistance int

	sync *syncLayer[I, S]
	log  *zap.Logger

	staged map[types.PlayerHandle]I

	// history holds the first checksum seen per frame; harvested holds
	// the frames saved last tick, read back once the host filled them.
	history   map[types.Frame]uint64
	harvested []types.Frame

	fatal error
}

func newSyncTestSession[I types.Input[I], S any](numPlayers, inputDelay, maxPrediction, checkDistance int, log *zap.Logger) *SyncTestSession[I, S] {
	sl := newSyncLayer[I, S](numPlayers, inputDelay, maxPrediction, SaveDense, log)
	sl.keepDepth = int32(checkDistance)
	return &SyncTestSession[I, S]{
		numPlayers:    numPlayers,
		checkDistance: checkDistance,
		sync:          sl,
		log:           log,
		staged:        make(map[types.PlayerHandle]I),
		history:       make(map[types.Frame]uint64),
	}
}

// CurrentFrame returns the frame the simulation is on.
func (s *SyncTestSession[I, S]) CurrentFrame() types.Frame { return s.sync.currentFrame }

// AddLocalInput stages a player's input for this tick. Every handle is
// local in a sync test.
func (s *SyncTestSession[I, S]) AddLocalInput(handle types.PlayerHandle, input I) error {
	if s.fatal != nil {
		return &InvalidRequestError{Op: "add_local_input", Reason: "session is inert after a fatal error"}
	}
	if int(handle) < 0 || int(handle) >= s.numPlayers {
		return &InvalidRequestError{Op: "add_local_input", Reason: fmt.Sprintf("handle %d out of range", handle)}
	}
	s.staged[handle] = input
	return nil
}

// checkHarvest reads back the checksums the host stored for last tick's
// saves and compares re-visited frames against the first pass.
func (s *SyncTestSession[I, S]) checkHarvest() error {
	for _, f := range s.harvested {
		sum, ok := s.sync.savedChecksum(f)
		if !ok || sum == 0 {
			continue
		}
		if expected, seen := s.history[f]; seen {
			if expected != sum {
				return &SyncTestDesyncError{Frame: f, Expected: expected, Actual: sum}
			}
			continue
		}
		s.history[f] = sum
	}
	s.harvested = s.harvested[:0]

	// The window of comparable frames is bounded by the rollback depth.
	low := s.sync.currentFrame.Add(int32(-2 * s.checkDistance))
	if !low.IsNull() {
		for f := range s.history {
			if f < low {
				delete(s.history, f)
			}
		}
	}
	return nil
}

// AdvanceFrame advances one frame and then forces a rollback over the
// last checkDistance frames, emitting the full re-simulation request
// stream. The host must fulfill it exactly like a real rollback.
func (s *SyncTestSession[I, S]) AdvanceFrame() (TickResult[I, S], error) {
	var res TickResult[I, S]
	if s.fatal != nil {
		return res, &InvalidRequestError{Op: "advance_frame", Reason: "session is inert after a fatal error"}
	}
	if err := s.checkHarvest(); err != nil {
		s.fatal = err
		s.log.Error("sync test desync", zap.Error(err))
		return res, err
	}
	for h := 0; h < s.numPlayers; h++ {
		if _, ok := s.staged[types.PlayerHandle(h)]; !ok {
			res.Status = TickNotSynchronized
			return res, nil
		}
	}

	for h := 0; h < s.numPlayers; h++ {
		handle := types.PlayerHandle(h)
		if _, err := s.sync.addLocalInput(handle, s.staged[handle]); err != nil {
			s.fatal = err
			return res, err
		}
	}
	clear(s.staged)

	requests, err := s.sync.appendSaveAdvance(nil, true)
	if err != nil {
		s.fatal = err
		return res, err
	}

	// Force the rollback once enough frames exist to roll over.
	target := s.sync.currentFrame.Add(int32(-s.checkDistance))
	if !target.IsNull() {
		requests, err = s.sync.appendRollback(requests, target)
		if err != nil {
			s.fatal = err
			return res, err
		}
	}

	s.sync.updateConfirmed()

	for _, r := range requests {
		if r.Kind == RequestSaveState {
			s.harvested = append(s.harvested, r.Frame)
		}
	}

	res.Status = TickAdvanced
	res.Requests = requests
	return res, nil
}
