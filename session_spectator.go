package rollback

import (
	"go.uber.org/zap"

	"github.com/andersfylling/rollback/internal/peer"
	"github.com/andersfylling/rollback/types"
)

// SpectatorSession is the watch-only variant: a single upstream host
// forwards every player's confirmed inputs, and the spectator advances
// strictly behind the confirmed horizon. There is nothing to predict,
// so it never rolls back; when inputs have not arrived it stalls.
type SpectatorSession[I types.Input[I], S any, A comparable] struct {
	numPlayers int
	inputSize  int
	lag        int32

	sync     *syncLayer[I, S]
	endpoint Endpoint[A]
	clock    Clock
	log      *zap.Logger

	hostAddr A
	host     *peer.Peer

	events []Event
	fatal  error
}

func newSpectatorSession[I types.Input[I], S any, A comparable](b *SessionBuilder[I, S, A], endpoint Endpoint[A], hostAddr A) *SpectatorSession[I, S, A] {
	var zero I
	inputSize := zero.Size()
	cfg := b.peerConfig(inputSize * b.numPlayers)
	return &SpectatorSession[I, S, A]{
		numPlayers: b.numPlayers,
		inputSize:  inputSize,
		lag:        int32(b.spectatorLag),
		// Spectators replay confirmed inputs only; no input delay, no
		// prediction.
		sync:     newSyncLayer[I, S](b.numPlayers, 0, b.maxPrediction, SaveDense, b.log),
		endpoint: endpoint,
		clock:    b.clock,
		log:      b.log,
		hostAddr: hostAddr,
		host:     peer.New(cfg, b.magicFunc(), b.log),
	}
}

// CurrentFrame returns the frame the spectator's replay is on.
func (s *SpectatorSession[I, S, A]) CurrentFrame() types.Frame { return s.sync.currentFrame }

// Events returns and clears pending session events.
func (s *SpectatorSession[I, S, A]) Events() []Event {
	ev := s.events
	s.events = nil
	return ev
}

// NetworkStats returns the quality snapshot of the upstream link.
func (s *SpectatorSession[I, S, A]) NetworkStats() peer.Stats { return s.host.Stats() }

// PollRemotePeers drains the endpoint and feeds forwarded inputs into
// the replay queues.
func (s *SpectatorSession[I, S, A]) PollRemotePeers() {
	now := s.clock.Now()

	for {
		addr, data, ok := s.endpoint.ReceiveFrom()
		if !ok {
			break
		}
		if addr != s.hostAddr {
			continue
		}
		s.host.HandlePacket(data, now)
	}

	s.host.SetLocalFrame(s.sync.currentFrame)
	s.host.Poll(now)

	for _, in := range s.host.DrainInputs() {
		s.feedForwardedRow(in)
	}
	for _, ev := range s.host.DrainEvents() {
		s.translateHostEvent(ev)
	}
	for _, datagram := range s.host.DrainOutgoing() {
		if err := s.endpoint.SendTo(s.hostAddr, datagram); err != nil {
			s.log.Debug("send failed", zap.Error(err))
		}
	}
}

func (s *SpectatorSession[I, S, A]) feedForwardedRow(in peer.ReceivedInput) {
	var zero I
	for h := 0; h < s.numPlayers; h++ {
		seg := in.Row[h*s.inputSize : (h+1)*s.inputSize]
		input, err := zero.FromBytes(seg)
		if err != nil {
			s.log.Debug("undecodable forwarded input", zap.Error(err))
			return
		}
		if err := s.sync.addRemoteInput(types.PlayerHandle(h), in.Frame, input); err != nil {
			s.log.Warn("forwarded input rejected",
				zap.Int("player", h),
				zap.Stringer("frame", in.Frame),
				zap.Error(err))
		}
	}
}

func (s *SpectatorSession[I, S, A]) translateHostEvent(ev peer.Event) {
	out := Event{}
	switch ev.Kind {
	case peer.EventConnected:
		out.Kind = EventConnected
	case peer.EventSynchronizing:
		out.Kind = EventSynchronizing
		out.Count, out.Total = ev.Count, ev.Total
	case peer.EventSynchronized:
		out.Kind = EventSynchronized
	case peer.EventInterrupted:
		out.Kind = EventNetworkInterrupted
	case peer.EventResumed:
		out.Kind = EventNetworkResumed
	case peer.EventDisconnected:
		out.Kind = EventDisconnected
	case peer.EventInputMalformed:
		out.Kind = EventInputMalformed
	default:
		return
	}
	s.events = append(s.events, out)
}

// AdvanceFrame replays one frame when the upstream buffer allows it.
// The result is TickSkipFrame while the session waits for inputs, and
// the request stream never contains loads: spectators only save and
// advance.
func (s *SpectatorSession[I, S, A]) AdvanceFrame() (TickResult[I, S], error) {
	var res TickResult[I, S]
	if s.fatal != nil {
		return res, &InvalidRequestError{Op: "advance_frame", Reason: "session is inert after a fatal error"}
	}
	if s.host.State() == peer.Disconnected {
		return res, &PlayerDisconnectedError{Player: 0}
	}
	if s.host.State() == peer.Syncing {
		res.Status = TickNotSynchronized
		return res, nil
	}

	// Stay the configured distance behind the newest forwarded frame so
	// jitter does not starve the replay every other tick.
	newest := s.host.LastReceivedInputFrame()
	if newest.IsNull() {
		res.Status = TickSkipFrame
		return res, nil
	}
	if d, ok := newest.Diff(s.sync.currentFrame); !ok || d < s.lag {
		res.Status = TickSkipFrame
		return res, nil
	}

	requests, err := s.sync.appendSaveAdvance(nil, false)
	if err != nil {
		s.fatal = err
		return res, err
	}
	s.sync.updateConfirmed()

	res.Status = TickAdvanced
	res.Requests = requests
	return res, nil
}
