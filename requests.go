package rollback

import (
	"github.com/andersfylling/rollback/internal/savestate"
	"github.com/andersfylling/rollback/types"
)

// StateCell is a slot of the saved-state ring, handed to the host
// inside save and load requests. The host writes into it with Save
// between receiving a RequestSaveState and the next advance call.
type StateCell[S any] = savestate.Cell[S]

// RequestKind discriminates host requests.
type RequestKind int

const (
	// RequestSaveState asks the host to clone its simulation state into
	// Cell (with a checksum) before the next advance call.
	RequestSaveState RequestKind = iota
	// RequestLoadState asks the host to restore its simulation from
	// Cell exactly.
	RequestLoadState
	// RequestAdvanceFrame asks the host to advance the simulation by
	// one frame using Inputs.
	RequestAdvanceFrame
)

// Request is one instruction of the request stream. The host must
// fulfill every request of a tick, in order, before calling back into
// the session.
type Request[I types.Input[I], S any] struct {
	Kind  RequestKind
	Frame types.Frame

	// Cell is set for save and load requests.
	Cell *StateCell[S]

	// Inputs is set for advance requests, ordered by player handle.
	Inputs []types.PlayerInput[I]
}

// TickStatus is the per-tick decision when no requests are produced.
type TickStatus int

const (
	// TickAdvanced means the request stream advances the simulation.
	TickAdvanced TickStatus = iota
	// TickSkipFrame means the session sat this tick out, either on a
	// time-sync recommendation or because a spectator is waiting for
	// inputs. Render the previous frame again.
	TickSkipFrame
	// TickNotSynchronized means peers are still handshaking or a local
	// input is missing; keep polling and calling advance.
	TickNotSynchronized
)

// TickResult is what a session returns for one advance call.
type TickResult[I types.Input[I], S any] struct {
	Status   TickStatus
	Requests []Request[I, S]
}
