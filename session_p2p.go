package rollback

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/andersfylling/rollback/internal/peer"
	"github.com/andersfylling/rollback/types"
)

// P2PSession is the full peer-to-peer variant: every participant runs
// its own simulation, exchanges inputs with every other peer and rolls
// back when predictions turn out wrong.
//
// The session is single-threaded and cooperative: the host calls
// PollRemotePeers, drains Events, stages local inputs and calls
// AdvanceFrame once per tick, fulfilling the returned request stream
// before the next call.
type P2PSession[I types.Input[I], S any, A comparable] struct {
	numPlayers int
	inputSize  int

	sync     *syncLayer[I, S]
	endpoint Endpoint[A]
	clock    Clock
	log      *zap.Logger

	localHandles  []types.PlayerHandle
	remoteHandles map[A][]types.PlayerHandle
	spectatorIDs  map[A]types.PlayerHandle
	peers         map[A]*peer.Peer

	staged       map[types.PlayerHandle]I
	disconnected map[types.PlayerHandle]bool
	events       []Event
	skipFrames   int32
	fatal        error

	runningEmitted bool

	desyncEvery       int
	localChecksums    map[types.Frame]uint64
	lastChecksumFrame types.Frame
	lastSpectatorSent types.Frame
}

func newP2PSession[I types.Input[I], S any, A comparable](b *SessionBuilder[I, S, A], endpoint Endpoint[A]) *P2PSession[I, S, A] {
	var zero I
	s := &P2PSession[I, S, A]{
		numPlayers:        b.numPlayers,
		inputSize:         zero.Size(),
		sync:              newSyncLayer[I, S](b.numPlayers, b.inputDelay, b.maxPrediction, b.saveMode, b.log),
		endpoint:          endpoint,
		clock:             b.clock,
		log:               b.log,
		remoteHandles:     make(map[A][]types.PlayerHandle),
		spectatorIDs:      make(map[A]types.PlayerHandle),
		peers:             make(map[A]*peer.Peer),
		staged:            make(map[types.PlayerHandle]I),
		disconnected:      make(map[types.PlayerHandle]bool),
		desyncEvery:       b.desyncEvery,
		localChecksums:    make(map[types.Frame]uint64),
		lastChecksumFrame: types.NullFrame,
		lastSpectatorSent: types.NullFrame,
	}

	spectators := 0
	for _, p := range b.players {
		switch p.kind {
		case playerLocal:
			s.localHandles = append(s.localHandles, p.handle)
		case playerRemote:
			s.remoteHandles[p.addr] = append(s.remoteHandles[p.addr], p.handle)
		case playerSpectator:
			s.spectatorIDs[p.addr] = types.PlayerHandle(b.numPlayers + spectators)
			spectators++
		}
	}
	sort.Slice(s.localHandles, func(i, j int) bool { return s.localHandles[i] < s.localHandles[j] })

	rand := b.magicFunc()
	for addr, handles := range s.remoteHandles {
		sort.Slice(handles, func(i, j int) bool { return handles[i] < handles[j] })
		cfg := b.peerConfig(s.inputSize * len(handles))
		s.peers[addr] = peer.New(cfg, rand, b.log)
	}
	for addr := range s.spectatorIDs {
		cfg := b.peerConfig(s.inputSize * b.numPlayers)
		s.peers[addr] = peer.New(cfg, rand, b.log)
	}
	return s
}

// CurrentFrame returns the frame the simulation is on.
func (s *P2PSession[I, S, A]) CurrentFrame() types.Frame { return s.sync.currentFrame }

// ConfirmedFrame returns the newest frame for which every player's
// input is authoritative.
func (s *P2PSession[I, S, A]) ConfirmedFrame() types.Frame { return s.sync.lastConfirmed }

// FramesAhead returns how far the simulation runs past the confirmed
// horizon; hosts can slow their pacing when it climbs.
func (s *P2PSession[I, S, A]) FramesAhead() int32 { return s.sync.framesAhead() }

// Events returns and clears pending session events.
func (s *P2PSession[I, S, A]) Events() []Event {
	ev := s.events
	s.events = nil
	return ev
}

// NetworkStats returns the quality snapshot for a remote player or
// spectator handle.
func (s *P2PSession[I, S, A]) NetworkStats(handle types.PlayerHandle) (peer.Stats, error) {
	for addr, handles := range s.remoteHandles {
		for _, h := range handles {
			if h == handle {
				return s.peers[addr].Stats(), nil
			}
		}
	}
	for addr, h := range s.spectatorIDs {
		if h == handle {
			return s.peers[addr].Stats(), nil
		}
	}
	return peer.Stats{}, &InvalidRequestError{Op: "network_stats", Reason: fmt.Sprintf("handle %d is not a peer", handle)}
}

// DisconnectPlayer voluntarily drops a remote player; the session will
// refuse to advance afterwards, like it does on a timeout.
func (s *P2PSession[I, S, A]) DisconnectPlayer(handle types.PlayerHandle) error {
	for addr, handles := range s.remoteHandles {
		for _, h := range handles {
			if h == handle {
				s.peers[addr].Disconnect()
				return nil
			}
		}
	}
	return &InvalidRequestError{Op: "disconnect_player", Reason: fmt.Sprintf("handle %d is not a remote player", handle)}
}

// handlesFor maps a peer address to the session handles its events are
// reported under.
func (s *P2PSession[I, S, A]) handlesFor(addr A) []types.PlayerHandle {
	if hs, ok := s.remoteHandles[addr]; ok {
		return hs
	}
	if h, ok := s.spectatorIDs[addr]; ok {
		return []types.PlayerHandle{h}
	}
	return nil
}

// PollRemotePeers drains the endpoint, runs every peer's timers and
// translates protocol events into session events. Call it once per tick
// before AdvanceFrame, and keep calling it while waiting out the
// handshake.
func (s *P2PSession[I, S, A]) PollRemotePeers() {
	now := s.clock.Now()

	for {
		addr, data, ok := s.endpoint.ReceiveFrom()
		if !ok {
			break
		}
		p, known := s.peers[addr]
		if !known {
			// Datagram from an address outside the session; not ours.
			continue
		}
		p.HandlePacket(data, now)
	}

	for addr, p := range s.peers {
		p.SetLocalFrame(s.sync.currentFrame)
		p.SetLocalFrameAdvantage(p.Stats().LocalAdvantage)
		p.Poll(now)

		for _, in := range p.DrainInputs() {
			s.feedRemoteInputs(addr, in)
		}
		for _, cs := range p.DrainRemoteChecksums() {
			s.compareChecksum(addr, cs.Frame, cs.Checksum)
		}
		for _, ev := range p.DrainEvents() {
			s.translatePeerEvent(addr, ev)
		}
		for _, datagram := range p.DrainOutgoing() {
			if err := s.endpoint.SendTo(addr, datagram); err != nil {
				s.log.Debug("send failed", zap.Error(err))
			}
		}
	}

	if !s.runningEmitted && s.allSynchronized() {
		s.runningEmitted = true
		s.events = append(s.events, Event{Kind: EventRunning})
		s.log.Info("all peers synchronized")
	}
}

func (s *P2PSession[I, S, A]) feedRemoteInputs(addr A, in peer.ReceivedInput) {
	handles, ok := s.remoteHandles[addr]
	if !ok {
		// Spectators have nothing to say about inputs.
		return
	}
	for i, h := range handles {
		seg := in.Row[i*s.inputSize : (i+1)*s.inputSize]
		var zero I
		input, err := zero.FromBytes(seg)
		if err != nil {
			s.log.Debug("undecodable input value", zap.Error(err))
			return
		}
		if err := s.sync.addRemoteInput(h, in.Frame, input); err != nil {
			s.log.Warn("remote input rejected",
				zap.Int("player", int(h)),
				zap.Stringer("frame", in.Frame),
				zap.Error(err))
		}
	}
}

func (s *P2PSession[I, S, A]) translatePeerEvent(addr A, ev peer.Event) {
	for _, h := range s.handlesFor(addr) {
		out := Event{Player: h}
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
			if _, isRemote := s.remoteHandles[addr]; isRemote {
				s.disconnected[h] = true
			}
		case peer.EventInputMalformed:
			out.Kind = EventInputMalformed
		case peer.EventRecommendSkip:
			out.Kind = EventWaitRecommendation
			out.SkipFrames = ev.SkipFrames
			if ev.SkipFrames > s.skipFrames {
				s.skipFrames = ev.SkipFrames
			}
		default:
			continue
		}
		s.events = append(s.events, out)
	}
}

func (s *P2PSession[I, S, A]) allSynchronized() bool {
	for _, p := range s.peers {
		if st := p.State(); st == peer.Syncing {
			return false
		}
	}
	return true
}

// AddLocalInput stages the input a local player pressed this tick. It
// must be called for every local handle before AdvanceFrame can
// advance.
func (s *P2PSession[I, S, A]) AddLocalInput(handle types.PlayerHandle, input I) error {
	if s.fatal != nil {
		return &InvalidRequestError{Op: "add_local_input", Reason: "session is inert after a fatal error"}
	}
	for _, h := range s.localHandles {
		if h == handle {
			s.staged[handle] = input
			return nil
		}
	}
	return &InvalidRequestError{Op: "add_local_input", Reason: fmt.Sprintf("handle %d is not local", handle)}
}

// AdvanceFrame runs one tick of the rollback decision engine and
// returns the request stream for the host to fulfill.
func (s *P2PSession[I, S, A]) AdvanceFrame() (TickResult[I, S], error) {
	var res TickResult[I, S]
	if s.fatal != nil {
		return res, &InvalidRequestError{Op: "advance_frame", Reason: "session is inert after a fatal error"}
	}

	for h := range s.disconnected {
		return res, &PlayerDisconnectedError{Player: h}
	}
	if !s.allSynchronized() {
		res.Status = TickNotSynchronized
		return res, nil
	}
	if s.skipFrames > 0 {
		s.skipFrames--
		res.Status = TickSkipFrame
		return res, nil
	}
	for _, h := range s.localHandles {
		if _, ok := s.staged[h]; !ok {
			res.Status = TickNotSynchronized
			return res, nil
		}
	}
	if s.sync.barrierExceeded() {
		err := &PredictionThresholdError{
			CurrentFrame:       s.sync.currentFrame,
			LastConfirmedFrame: s.sync.lastConfirmed,
		}
		s.fatal = err
		return res, err
	}

	// Record and broadcast this tick's local inputs at their delayed
	// frame.
	broadcastFrame := types.NullFrame
	row := make([]byte, 0, s.inputSize*len(s.localHandles))
	for _, h := range s.localHandles {
		frame, err := s.sync.addLocalInput(h, s.staged[h])
		if err != nil {
			s.fatal = err
			return res, err
		}
		broadcastFrame = frame
		row = s.staged[h].AppendBytes(row)
	}
	clear(s.staged)
	for addr := range s.remoteHandles {
		s.peers[addr].AddPendingInput(broadcastFrame, row)
	}

	// Rollback first, then the regular advance for this tick.
	requests := make([]Request[I, S], 0, 4)
	if target := s.sync.rollbackTarget(); !target.IsNull() {
		var err error
		requests, err = s.sync.appendRollback(requests, target)
		if err != nil {
			s.fatal = err
			return res, err
		}
	}
	requests, err := s.sync.appendSaveAdvance(requests, false)
	if err != nil {
		s.fatal = err
		return res, err
	}

	s.sync.updateConfirmed()
	s.forwardToSpectators()
	s.collectChecksums()

	res.Status = TickAdvanced
	res.Requests = requests
	return res, nil
}

// forwardToSpectators streams newly confirmed full-frame input rows to
// every spectator peer.
func (s *P2PSession[I, S, A]) forwardToSpectators() {
	if len(s.spectatorIDs) == 0 {
		return
	}
	confirmed := s.sync.lastConfirmed
	if confirmed.IsNull() {
		return
	}
	start := s.lastSpectatorSent.Next()
	if s.lastSpectatorSent.IsNull() {
		start = 0
	}
	for f := start; !f.IsNull() && f <= confirmed; f = f.Next() {
		row := make([]byte, 0, s.inputSize*s.numPlayers)
		complete := true
		for h := 0; h < s.numPlayers; h++ {
			in, ok := s.sync.confirmedInput(types.PlayerHandle(h), f)
			if !ok {
				complete = false
				break
			}
			row = in.AppendBytes(row)
		}
		if !complete {
			break
		}
		for addr := range s.spectatorIDs {
			s.peers[addr].AddPendingInput(f, row)
		}
		s.lastSpectatorSent = f
	}
}

// collectChecksums reads back checksums the host stored into saved
// cells and schedules them for exchange on the desync cadence.
func (s *P2PSession[I, S, A]) collectChecksums() {
	if s.desyncEvery <= 0 {
		return
	}
	interval := types.Frame(s.desyncEvery)
	next := interval
	if !s.lastChecksumFrame.IsNull() {
		next = s.lastChecksumFrame + interval
	}
	for ; next < s.sync.currentFrame; next += interval {
		sum, ok := s.sync.savedChecksum(next)
		if !ok {
			if s.sync.frameHeld(next) {
				// Reserved this tick, not host-filled yet; read it back
				// on a later tick.
				return
			}
			s.lastChecksumFrame = next
			continue
		}
		if sum == 0 {
			// The host does not compute checksums; nothing to compare.
			s.lastChecksumFrame = next
			continue
		}
		s.localChecksums[next] = sum
		s.lastChecksumFrame = next
		for addr := range s.remoteHandles {
			s.peers[addr].ScheduleChecksum(next, sum)
		}
		// Keep the comparison window bounded.
		for f := range s.localChecksums {
			if next-f > 64 {
				delete(s.localChecksums, f)
			}
		}
	}
}

func (s *P2PSession[I, S, A]) compareChecksum(addr A, frame types.Frame, remote uint64) {
	local, ok := s.localChecksums[frame]
	if !ok || local == remote {
		return
	}
	handles := s.handlesFor(addr)
	var h types.PlayerHandle
	if len(handles) > 0 {
		h = handles[0]
	}
	s.log.Warn("desync detected",
		zap.Stringer("frame", frame),
		zap.Uint64("local", local),
		zap.Uint64("remote", remote))
	s.events = append(s.events, Event{
		Kind:           EventDesyncDetected,
		Player:         h,
		Frame:          frame,
		LocalChecksum:  local,
		RemoteChecksum: remote,
	})
}
