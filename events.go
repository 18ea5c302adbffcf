package rollback

import "github.com/andersfylling/rollback/types"

// EventKind discriminates session events.
type EventKind int

const (
	// EventConnected fires on first contact with a peer.
	EventConnected EventKind = iota
	// EventSynchronizing reports handshake progress with a peer.
	EventSynchronizing
	// EventSynchronized fires when a peer's handshake completes.
	EventSynchronized
	// EventRunning fires once, when no peer is still handshaking, so the
	// session can start advancing.
	EventRunning
	// EventNetworkInterrupted means a peer has gone quiet; it may still
	// come back before the disconnect timeout.
	EventNetworkInterrupted
	// EventNetworkResumed means an interrupted peer spoke again.
	EventNetworkResumed
	// EventDisconnected means a peer timed out or was dropped.
	EventDisconnected
	// EventInputMalformed reports a dropped undecodable input packet.
	EventInputMalformed
	// EventWaitRecommendation asks the host to skip frames so a slower
	// peer can catch up; the session also skips on its own.
	EventWaitRecommendation
	// EventDesyncDetected means checksum exchange found diverging
	// simulations. The host decides whether to abort.
	EventDesyncDetected
)

// Event is a session-level notification, drained by the host alongside
// the request stream.
type Event struct {
	Kind   EventKind
	Player types.PlayerHandle

	// Handshake progress for EventSynchronizing.
	Count, Total int
	// Frames to skip for EventWaitRecommendation.
	SkipFrames int32
	// Desync details for EventDesyncDetected.
	Frame          types.Frame
	LocalChecksum  uint64
	RemoteChecksum uint64
}
