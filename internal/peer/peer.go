// Package peer implements the per-peer protocol state machine:
// handshake, input broadcast with ack-driven retransmission, keepalive,
// quality measurement and timeout tracking. The machine owns no socket;
// it queues raw datagrams and events that the session drains each tick.
package peer

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/andersfylling/rollback/internal/codec"
	"github.com/andersfylling/rollback/internal/timesync"
	"github.com/andersfylling/rollback/internal/wire"
	"github.com/andersfylling/rollback/types"
)

// State is the connection phase with a single peer.
type State int

const (
	// Syncing means the handshake is still exchanging rounds.
	Syncing State = iota
	// Synchronized means the handshake completed but no inputs have
	// flowed yet.
	Synchronized
	// Running means inputs are being exchanged.
	Running
	// Disconnected is terminal; the peer timed out or was dropped.
	Disconnected
)

func (s State) String() string {
	switch s {
	case Syncing:
		return "syncing"
	case Synchronized:
		return "synchronized"
	case Running:
		return "running"
	}
	return "disconnected"
}

// Config tunes the protocol timers. The session builder fills it from a
// sync preset.
type Config struct {
	// RowSize is the byte width of one frame's worth of inputs from
	// this peer (input size times the number of players it forwards).
	RowSize int

	NumSyncPackets       int
	SyncRetryInterval    time.Duration
	RunningRetryInterval time.Duration
	KeepaliveInterval    time.Duration
	SyncTimeout          time.Duration
	DisconnectTimeout    time.Duration
	DisconnectNotify     time.Duration

	// TimesyncWindow and friends tune the frame-advantage estimator.
	TimesyncWindow    int
	TimesyncThreshold int32
	TimesyncInterval  int32
}

// EventKind discriminates protocol events.
type EventKind int

const (
	// EventConnected fires on the first valid datagram from the peer.
	EventConnected EventKind = iota
	// EventSynchronizing reports handshake progress.
	EventSynchronizing
	// EventSynchronized fires once the handshake completes.
	EventSynchronized
	// EventInterrupted fires when the peer has been quiet past the
	// notify threshold.
	EventInterrupted
	// EventResumed fires when a quiet peer speaks again.
	EventResumed
	// EventDisconnected fires when the peer times out; terminal.
	EventDisconnected
	// EventInputMalformed reports a dropped undecodable input packet.
	EventInputMalformed
	// EventRecommendSkip asks the session to skip frames to let the
	// peer catch up.
	EventRecommendSkip
)

// Event is a protocol-level notification for the session.
type Event struct {
	Kind EventKind

	// Synchronizing progress.
	Count, Total int
	// Running ping for EventSynchronized, ms.
	PingMS int
	// Frames to skip for EventRecommendSkip.
	SkipFrames int32
}

// ReceivedInput is one remote frame's worth of raw input bytes.
type ReceivedInput struct {
	Frame types.Frame
	Row   []byte
}

// Stats is a read-only quality snapshot.
type Stats struct {
	State           State
	PingMS          float64
	PacketsSent     uint64
	PacketsReceived uint64
	BytesSent       uint64
	BytesReceived   uint64
	MalformedDrops  uint64
	SendQueueLen    int
	KbpsSent        float64
	LocalAdvantage  int32
	RemoteAdvantage int32
}

type pendingInput struct {
	frame     types.Frame
	row       []byte
	firstSent time.Time
	sent      bool
}

// Peer is the state machine for one remote endpoint.
type Peer struct {
	cfg  Config
	log  *zap.Logger
	rand func() uint32

	state       State
	localMagic  uint32
	remoteMagic uint32

	syncRound      uint32
	roundsRemain   int
	syncStartedAt  time.Time
	lastSyncSentAt time.Time

	sequence    uint16
	connectedAt time.Time
	seenPeer    bool
	interrupted bool

	lastRecvAt      time.Time
	lastSendAt      time.Time
	lastInputSentAt time.Time

	pending       []pendingInput
	pendingDirty  bool
	ackDirty      bool
	lastRecvInput types.Frame
	lastAckedSent types.Frame

	localFrame     types.Frame
	localAdvantage int32
	remoteReported int8
	remotePingMS   uint16

	estimator *timesync.Estimator

	pendingChecksum *wire.FrameChecksum

	outgoing        [][]byte
	events          []Event
	inputs          []ReceivedInput
	remoteChecksums []wire.FrameChecksum

	rttMS           float64
	packetsSent     uint64
	packetsReceived uint64
	bytesSent       uint64
	bytesReceived   uint64
	malformedDrops  uint64
	kbpsWindowStart time.Time
	kbpsWindowBytes uint64
	kbpsSent        float64
}

// New creates a peer machine. rand supplies handshake nonces; the first
// draw becomes the local magic.
func New(cfg Config, rand func() uint32, log *zap.Logger) *Peer {
	if log == nil {
		log = zap.NewNop()
	}
	magic := rand()
	for magic == 0 {
		magic = rand()
	}
	return &Peer{
		cfg:           cfg,
		log:           log,
		rand:          rand,
		state:         Syncing,
		localMagic:    magic,
		roundsRemain:  cfg.NumSyncPackets,
		lastRecvInput: types.NullFrame,
		lastAckedSent: types.NullFrame,
		localFrame:    types.NullFrame,
		estimator:     timesync.NewWithConfig(cfg.TimesyncWindow, cfg.TimesyncThreshold, cfg.TimesyncInterval),
	}
}

// State returns the current connection phase.
func (p *Peer) State() State { return p.state }

// LocalMagic returns this side's session nonce.
func (p *Peer) LocalMagic() uint32 { return p.localMagic }

// LastReceivedInputFrame returns the newest remote frame accepted.
func (p *Peer) LastReceivedInputFrame() types.Frame { return p.lastRecvInput }

// SetLocalFrame tells the machine what frame the local simulation is
// on; used for frame-advantage sampling.
func (p *Peer) SetLocalFrame(frame types.Frame) { p.localFrame = frame }

// SetLocalFrameAdvantage records the advantage advertised in outgoing
// packets.
func (p *Peer) SetLocalFrameAdvantage(adv int32) { p.localAdvantage = adv }

// ScheduleChecksum piggybacks a saved-state checksum on the next input
// packet for desync detection.
func (p *Peer) ScheduleChecksum(frame types.Frame, checksum uint64) {
	p.pendingChecksum = &wire.FrameChecksum{Frame: frame, Checksum: checksum}
}

// DrainOutgoing returns and clears queued datagrams.
func (p *Peer) DrainOutgoing() [][]byte {
	out := p.outgoing
	p.outgoing = nil
	return out
}

// DrainEvents returns and clears queued events.
func (p *Peer) DrainEvents() []Event {
	ev := p.events
	p.events = nil
	return ev
}

// DrainInputs returns and clears accepted remote inputs, in frame
// order.
func (p *Peer) DrainInputs() []ReceivedInput {
	in := p.inputs
	p.inputs = nil
	return in
}

// DrainRemoteChecksums returns and clears checksums the peer reported.
func (p *Peer) DrainRemoteChecksums() []wire.FrameChecksum {
	cs := p.remoteChecksums
	p.remoteChecksums = nil
	return cs
}

// Disconnect force-drops the peer (voluntary disconnect or session
// shutdown). Idempotent.
func (p *Peer) Disconnect() {
	if p.state == Disconnected {
		return
	}
	p.state = Disconnected
	p.pending = nil
	p.events = append(p.events, Event{Kind: EventDisconnected})
	p.log.Debug("peer disconnected")
}

func (p *Peer) push(body wire.Body, now time.Time) {
	data, err := wire.Marshal(p.localMagic, p.sequence, body)
	if err != nil {
		// Oversize input payloads shrink on the next ack; anything else
		// here is a programming error worth logging, never a panic.
		p.log.Warn("dropping outgoing packet", zap.Error(err))
		return
	}
	p.sequence++
	p.outgoing = append(p.outgoing, data)
	p.lastSendAt = now
	p.packetsSent++
	p.bytesSent += uint64(len(data))
	p.kbpsWindowBytes += uint64(len(data))
	if p.kbpsWindowStart.IsZero() {
		p.kbpsWindowStart = now
	} else if d := now.Sub(p.kbpsWindowStart); d >= time.Second {
		p.kbpsSent = float64(p.kbpsWindowBytes) * 8 / 1000 / d.Seconds()
		p.kbpsWindowStart = now
		p.kbpsWindowBytes = 0
	}
}

// AddPendingInput queues one local frame row for transmission. Rows
// stay queued until the peer acknowledges them.
func (p *Peer) AddPendingInput(frame types.Frame, row []byte) {
	if p.state == Disconnected {
		return
	}
	r := make([]byte, len(row))
	copy(r, row)
	p.pending = append(p.pending, pendingInput{frame: frame, row: r})
	p.pendingDirty = true
}

func (p *Peer) sendPendingInputs(now time.Time) {
	if len(p.pending) == 0 {
		// Nothing to send; still ack what we received so the remote can
		// trim its queue. Receive-only links (spectators) live on this
		// path.
		if p.lastRecvInput.IsNull() {
			return
		}
		p.push(wire.InputAck{AckFrame: p.lastRecvInput}, now)
		p.lastInputSentAt = now
		p.ackDirty = false
		return
	}

	rows := make([][]byte, 0, len(p.pending))
	for i := range p.pending {
		rows = append(rows, p.pending[i].row)
		if !p.pending[i].sent {
			p.pending[i].sent = true
			p.pending[i].firstSent = now
		}
	}
	stream, err := codec.Encode(rows)
	if err != nil {
		p.log.Warn("input encode failed", zap.Error(err))
		return
	}
	adv := p.localAdvantage
	if adv > 127 {
		adv = 127
	} else if adv < -128 {
		adv = -128
	}
	body := wire.Input{
		StartFrame:     p.pending[0].frame,
		InputCount:     uint16(len(rows)),
		AckFrame:       p.lastRecvInput,
		FrameAdvantage: int8(adv),
		Checksum:       p.pendingChecksum,
		Stream:         stream,
	}
	p.pendingChecksum = nil
	p.push(body, now)
	p.lastInputSentAt = now
	p.pendingDirty = false
	p.ackDirty = false
	if p.state == Synchronized {
		p.setRunning()
	}
}

func (p *Peer) setRunning() {
	if p.state == Running {
		return
	}
	p.state = Running
	p.log.Debug("peer running", zap.Uint32("remote_magic", p.remoteMagic))
}

// Poll drives timers: handshake retries, input retransmission,
// keepalives, quality reports, interruption and disconnect detection.
func (p *Peer) Poll(now time.Time) {
	switch p.state {
	case Disconnected:
		return
	case Syncing:
		if p.syncStartedAt.IsZero() {
			p.syncStartedAt = now
		}
		if p.cfg.SyncTimeout > 0 && now.Sub(p.syncStartedAt) >= p.cfg.SyncTimeout {
			p.log.Warn("handshake timed out", zap.Duration("after", p.cfg.SyncTimeout))
			p.Disconnect()
			return
		}
		if p.lastSyncSentAt.IsZero() || now.Sub(p.lastSyncSentAt) >= p.cfg.SyncRetryInterval {
			p.push(wire.SyncRequest{Round: p.syncRound}, now)
			p.lastSyncSentAt = now
		}
	case Synchronized, Running:
		if p.pendingDirty || p.ackDirty ||
			(len(p.pending) > 0 && now.Sub(p.lastInputSentAt) >= p.cfg.RunningRetryInterval) {
			p.sendPendingInputs(now)
		}
		if now.Sub(p.lastSendAt) >= p.cfg.KeepaliveInterval {
			if p.state == Running {
				adv := p.localAdvantage
				if adv > 127 {
					adv = 127
				} else if adv < -128 {
					adv = -128
				}
				p.push(wire.QualityReport{
					PingMS:               uint16(min(p.rttMS, 65535)),
					RemoteFrameAdvantage: int8(adv),
				}, now)
			} else {
				p.push(wire.Keepalive{}, now)
			}
		}
	}

	p.checkLiveness(now)

	if p.state == Running && !p.localFrame.IsNull() {
		if skip := p.estimator.RecommendedSleep(p.localFrame); skip > 0 {
			p.events = append(p.events, Event{Kind: EventRecommendSkip, SkipFrames: skip})
		}
	}
}

func (p *Peer) checkLiveness(now time.Time) {
	if !p.seenPeer || p.state == Disconnected {
		return
	}
	quiet := now.Sub(p.lastRecvAt)
	if p.cfg.DisconnectTimeout > 0 && quiet >= p.cfg.DisconnectTimeout {
		p.log.Warn("peer unreachable", zap.Duration("quiet", quiet))
		p.Disconnect()
		return
	}
	if !p.interrupted && p.cfg.DisconnectNotify > 0 && quiet >= p.cfg.DisconnectNotify {
		p.interrupted = true
		p.events = append(p.events, Event{Kind: EventInterrupted})
	}
}

// HandlePacket processes one datagram from this peer's address.
// Malformed packets are dropped and counted; they never error out.
func (p *Peer) HandlePacket(data []byte, now time.Time) {
	if p.state == Disconnected {
		return
	}
	pkt, err := wire.Unmarshal(data)
	if err != nil {
		// Unknown kinds are a forward-compat path, not a fault.
		if !errors.Is(err, wire.ErrUnknownKind) {
			p.malformedDrops++
		}
		return
	}

	if !p.acceptMagic(pkt.Header) {
		return
	}

	p.packetsReceived++
	p.bytesReceived += uint64(len(data))
	p.lastRecvAt = now
	if !p.seenPeer {
		p.seenPeer = true
		p.connectedAt = now
		p.events = append(p.events, Event{Kind: EventConnected})
	}
	if p.interrupted {
		p.interrupted = false
		p.events = append(p.events, Event{Kind: EventResumed})
	}

	switch body := pkt.Body.(type) {
	case wire.SyncRequest:
		p.onSyncRequest(body, now)
	case wire.SyncReply:
		p.onSyncReply(body, now)
	case wire.Input:
		p.onInput(body, now)
	case wire.InputAck:
		p.ackInputs(body.AckFrame, now)
	case wire.Keepalive:
		// Liveness already refreshed above.
	case wire.QualityReport:
		p.remoteReported = body.RemoteFrameAdvantage
		p.remotePingMS = body.PingMS
	}
}

// acceptMagic validates the sender nonce and handles first contact and
// nonce collisions. It reports whether the packet should be processed.
func (p *Peer) acceptMagic(h wire.Header) bool {
	if h.PeerMagic == 0 {
		return false
	}
	if h.PeerMagic == p.localMagic {
		// Random nonce collision. Redraw and restart the handshake so
		// both directions end up distinguishable.
		p.log.Warn("magic collision, restarting handshake")
		old := p.localMagic
		for p.localMagic == old || p.localMagic == 0 {
			p.localMagic = p.rand()
		}
		p.restartSync()
		return false
	}
	if p.remoteMagic == 0 {
		p.remoteMagic = h.PeerMagic
		return true
	}
	// A packet from a stale session instance is discarded silently; a
	// peer re-entering the match performs a fresh handshake.
	return h.PeerMagic == p.remoteMagic
}

func (p *Peer) restartSync() {
	p.state = Syncing
	p.remoteMagic = 0
	p.syncRound = 0
	p.roundsRemain = p.cfg.NumSyncPackets
	p.syncStartedAt = time.Time{}
	p.lastSyncSentAt = time.Time{}
}

func (p *Peer) onSyncRequest(body wire.SyncRequest, now time.Time) {
	p.push(wire.SyncReply{Round: body.Round}, now)
}

func (p *Peer) onSyncReply(body wire.SyncReply, now time.Time) {
	if p.state != Syncing {
		return
	}
	if body.Round != p.syncRound {
		return
	}
	p.roundsRemain--
	p.events = append(p.events, Event{
		Kind:  EventSynchronizing,
		Count: p.cfg.NumSyncPackets - p.roundsRemain,
		Total: p.cfg.NumSyncPackets,
	})
	if p.roundsRemain <= 0 {
		p.state = Synchronized
		p.events = append(p.events, Event{Kind: EventSynchronized, PingMS: int(p.rttMS)})
		p.log.Debug("handshake complete", zap.Uint32("remote_magic", p.remoteMagic))
		return
	}
	p.syncRound++
	p.push(wire.SyncRequest{Round: p.syncRound}, now)
	p.lastSyncSentAt = now
}

func (p *Peer) onInput(body wire.Input, now time.Time) {
	if p.state == Syncing {
		return
	}
	p.setRunning()

	rows, err := codec.Decode(body.Stream, int(body.InputCount), p.cfg.RowSize)
	if err != nil {
		p.malformedDrops++
		p.events = append(p.events, Event{Kind: EventInputMalformed})
		p.log.Debug("undecodable input stream", zap.Error(err))
		return
	}

	for i, row := range rows {
		frame := body.StartFrame.Add(int32(i))
		if frame.IsNull() {
			break
		}
		// Frames at or below the newest accepted one are retransmit
		// overlap; feeding them again must change nothing.
		if !p.lastRecvInput.IsNull() && frame <= p.lastRecvInput {
			continue
		}
		p.lastRecvInput = frame
		p.ackDirty = true
		p.inputs = append(p.inputs, ReceivedInput{Frame: frame, Row: row})
	}

	p.ackInputs(body.AckFrame, now)

	if body.Checksum != nil {
		p.remoteChecksums = append(p.remoteChecksums, *body.Checksum)
	}

	// Sample frame advantage: how far our simulation runs ahead of the
	// newest input we have from this peer, less half the round trip.
	if !p.localFrame.IsNull() && !p.lastRecvInput.IsNull() {
		if d, ok := p.localFrame.Diff(p.lastRecvInput); ok {
			rttFrames := int32(p.rttMS / 2 / (1000.0 / 60.0))
			p.estimator.AddSample(d-rttFrames, int32(body.FrameAdvantage))
		}
	}
}

// ackInputs drops pending rows the peer has confirmed and folds the
// first-send-to-ack latency of every newly acked row into the RTT
// estimate.
func (p *Peer) ackInputs(ack types.Frame, now time.Time) {
	if ack.IsNull() {
		return
	}
	trimmed := 0
	for _, pi := range p.pending {
		if pi.frame > ack {
			break
		}
		if pi.sent && !pi.firstSent.IsZero() {
			sample := float64(now.Sub(pi.firstSent)) / float64(time.Millisecond)
			if p.rttMS == 0 {
				p.rttMS = sample
			} else {
				// EWMA keeps the estimate stable through one-off spikes.
				p.rttMS = p.rttMS*0.9 + sample*0.1
			}
		}
		trimmed++
	}
	if trimmed > 0 {
		p.pending = p.pending[trimmed:]
	}
	if p.lastAckedSent.IsNull() || ack > p.lastAckedSent {
		p.lastAckedSent = ack
	}
}

// Stats returns the quality snapshot for host diagnostics. It stays
// valid after disconnection.
func (p *Peer) Stats() Stats {
	return Stats{
		State:           p.state,
		PingMS:          p.rttMS,
		PacketsSent:     p.packetsSent,
		PacketsReceived: p.packetsReceived,
		BytesSent:       p.bytesSent,
		BytesReceived:   p.bytesReceived,
		MalformedDrops:  p.malformedDrops,
		SendQueueLen:    len(p.pending),
		KbpsSent:        p.kbpsSent,
		LocalAdvantage:  p.estimator.LocalAdvantage(),
		RemoteAdvantage: p.estimator.RemoteAdvantage(),
	}
}
