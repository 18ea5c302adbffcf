package rollback

import (
	"fmt"

	"github.com/andersfylling/rollback/types"
)

// InvalidFrameError re-exports the frame validation error for hosts
// matching with errors.As.
type InvalidFrameError = types.InvalidFrameError

// InvalidRequestError means the session was used in a state that
// disallows the call, or with arguments that can never be valid.
type InvalidRequestError struct {
	Op     string
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid request %s: %s", e.Op, e.Reason)
}

// PredictionThresholdError means the engine would need to roll back
// further than the saved-state ring can provide. It is fatal: the
// session goes inert and the host should treat the match as terminated.
type PredictionThresholdError struct {
	CurrentFrame       types.Frame
	LastConfirmedFrame types.Frame
}

func (e *PredictionThresholdError) Error() string {
	return fmt.Sprintf("prediction threshold exceeded at frame %s (last confirmed %s)",
		e.CurrentFrame, e.LastConfirmedFrame)
}

// PlayerDisconnectedError means a required peer timed out; the session
// cannot advance without its inputs.
type PlayerDisconnectedError struct {
	Player types.PlayerHandle
}

func (e *PlayerDisconnectedError) Error() string {
	return fmt.Sprintf("player %d disconnected", e.Player)
}

// BuilderError reports a configuration rejected at build time.
type BuilderError struct {
	Field  string
	Reason string
}

func (e *BuilderError) Error() string {
	return fmt.Sprintf("builder: %s: %s", e.Field, e.Reason)
}

// SyncTestDesyncError means a sync-test re-simulation produced a
// different checksum for a frame than the first pass over that frame
// (Expected is the first pass, Actual the re-simulation): the host
// simulation is not deterministic. Fatal.
type SyncTestDesyncError struct {
	Frame    types.Frame
	Expected uint64
	Actual   uint64
}

func (e *SyncTestDesyncError) Error() string {
	return fmt.Sprintf("sync test desync at frame %s: expected %#x, got %#x",
		e.Frame, e.Expected, e.Actual)
}
