package rollback

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/andersfylling/rollback/internal/peer"
	"github.com/andersfylling/rollback/internal/timesync"
	"github.com/andersfylling/rollback/types"
)

// MaxPlayers bounds how many participating handles a session supports.
const MaxPlayers = 8

// Default tunables; see the builder options.
const (
	DefaultInputDelay          = 2
	DefaultMaxPredictionFrames = 8
	DefaultDisconnectTimeout   = 5 * time.Second
	DefaultDisconnectNotify    = 750 * time.Millisecond
	DefaultSpectatorDelay      = 4
)

// SyncPreset bundles handshake tunings for an expected network quality.
type SyncPreset int

const (
	// PresetDefault suits LAN and good home connections.
	PresetDefault SyncPreset = iota
	// PresetLossy tolerates sustained packet loss.
	PresetLossy
	// PresetMobile tolerates cellular latency spikes and long
	// handshakes.
	PresetMobile
	// PresetExtreme is for barely usable links.
	PresetExtreme
	// PresetStressTest hammers the handshake for soak testing.
	PresetStressTest
)

type presetValues struct {
	numSyncPackets       int
	syncRetryInterval    time.Duration
	runningRetryInterval time.Duration
	keepaliveInterval    time.Duration
	syncTimeout          time.Duration
}

func (p SyncPreset) values() presetValues {
	switch p {
	case PresetLossy:
		return presetValues{10, 100 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond, 30 * time.Second}
	case PresetMobile:
		return presetValues{8, 250 * time.Millisecond, 250 * time.Millisecond, 250 * time.Millisecond, 60 * time.Second}
	case PresetExtreme:
		return presetValues{6, 500 * time.Millisecond, 500 * time.Millisecond, 500 * time.Millisecond, 60 * time.Second}
	case PresetStressTest:
		return presetValues{20, 50 * time.Millisecond, 50 * time.Millisecond, 50 * time.Millisecond, 5 * time.Second}
	}
	return presetValues{10, 200 * time.Millisecond, 200 * time.Millisecond, 200 * time.Millisecond, 10 * time.Second}
}

// SaveMode selects how often the sync layer asks the host for state
// snapshots.
type SaveMode int

const (
	// SaveDense saves every frame: cheapest rollbacks, most save calls.
	SaveDense SaveMode = iota
	// SaveSparse saves roughly every half prediction window and resims
	// the remainder, trading CPU for fewer state clones.
	SaveSparse
)

type playerKind int

const (
	playerLocal playerKind = iota
	playerRemote
	playerSpectator
)

type playerSlot[A comparable] struct {
	kind   playerKind
	handle types.PlayerHandle
	addr   A
}

// SessionBuilder accumulates typed configuration and validates it at
// build time; sessions never re-validate at runtime.
type SessionBuilder[I types.Input[I], S any, A comparable] struct {
	numPlayers    int
	players       []playerSlot[A]
	inputDelay    int
	maxPrediction int
	preset        SyncPreset
	disconnectTO  time.Duration
	notifyStart   time.Duration
	desyncEvery   int
	saveMode      SaveMode
	spectatorLag  int

	clock Clock
	magic MagicSource
	log   *zap.Logger
}

// NewSessionBuilder starts configuration for a session with the given
// number of participating players (spectators excluded).
func NewSessionBuilder[I types.Input[I], S any, A comparable](numPlayers int) *SessionBuilder[I, S, A] {
	return &SessionBuilder[I, S, A]{
		numPlayers:    numPlayers,
		inputDelay:    DefaultInputDelay,
		maxPrediction: DefaultMaxPredictionFrames,
		preset:        PresetDefault,
		disconnectTO:  DefaultDisconnectTimeout,
		notifyStart:   DefaultDisconnectNotify,
		saveMode:      SaveDense,
		spectatorLag:  DefaultSpectatorDelay,
		clock:         SystemClock(),
		log:           zap.NewNop(),
	}
}

// AddLocalPlayer registers a handle fed by this process.
func (b *SessionBuilder[I, S, A]) AddLocalPlayer(handle types.PlayerHandle) *SessionBuilder[I, S, A] {
	b.players = append(b.players, playerSlot[A]{kind: playerLocal, handle: handle})
	return b
}

// AddRemotePlayer registers a handle fed by a peer at the given
// address.
func (b *SessionBuilder[I, S, A]) AddRemotePlayer(handle types.PlayerHandle, addr A) *SessionBuilder[I, S, A] {
	b.players = append(b.players, playerSlot[A]{kind: playerRemote, handle: handle, addr: addr})
	return b
}

// AddSpectator registers a watch-only peer. Spectator handles start at
// the participating player count.
func (b *SessionBuilder[I, S, A]) AddSpectator(addr A) *SessionBuilder[I, S, A] {
	b.players = append(b.players, playerSlot[A]{kind: playerSpectator, addr: addr})
	return b
}

// WithInputDelay buffers local inputs by the given number of frames.
func (b *SessionBuilder[I, S, A]) WithInputDelay(frames int) *SessionBuilder[I, S, A] {
	b.inputDelay = frames
	return b
}

// WithMaxPredictionFrames sets the speculation horizon; it also sizes
// the saved-state ring.
func (b *SessionBuilder[I, S, A]) WithMaxPredictionFrames(frames int) *SessionBuilder[I, S, A] {
	b.maxPrediction = frames
	return b
}

// WithSyncPreset selects the handshake tuning bundle.
func (b *SessionBuilder[I, S, A]) WithSyncPreset(p SyncPreset) *SessionBuilder[I, S, A] {
	b.preset = p
	return b
}

// WithDisconnectTimeout sets how long a peer may stay quiet before it
// is dropped.
func (b *SessionBuilder[I, S, A]) WithDisconnectTimeout(d time.Duration) *SessionBuilder[I, S, A] {
	b.disconnectTO = d
	return b
}

// WithDisconnectNotifyStart sets how long a peer may stay quiet before
// the host is warned.
func (b *SessionBuilder[I, S, A]) WithDisconnectNotifyStart(d time.Duration) *SessionBuilder[I, S, A] {
	b.notifyStart = d
	return b
}

// WithDesyncDetection exchanges state checksums every n frames; 0
// disables the exchange.
func (b *SessionBuilder[I, S, A]) WithDesyncDetection(everyNFrames int) *SessionBuilder[I, S, A] {
	b.desyncEvery = everyNFrames
	return b
}

// WithSaveMode selects dense or sparse snapshotting.
func (b *SessionBuilder[I, S, A]) WithSaveMode(m SaveMode) *SessionBuilder[I, S, A] {
	b.saveMode = m
	return b
}

// WithSpectatorDelay sets how many frames a spectator session trails
// the upstream host.
func (b *SessionBuilder[I, S, A]) WithSpectatorDelay(frames int) *SessionBuilder[I, S, A] {
	b.spectatorLag = frames
	return b
}

// WithClock substitutes the timer source; tests use a manual clock.
func (b *SessionBuilder[I, S, A]) WithClock(c Clock) *SessionBuilder[I, S, A] {
	b.clock = c
	return b
}

// WithMagicSource substitutes the nonce source.
func (b *SessionBuilder[I, S, A]) WithMagicSource(m MagicSource) *SessionBuilder[I, S, A] {
	b.magic = m
	return b
}

// WithLogger attaches a structured logger; the default discards
// everything.
func (b *SessionBuilder[I, S, A]) WithLogger(log *zap.Logger) *SessionBuilder[I, S, A] {
	b.log = log
	return b
}

func (b *SessionBuilder[I, S, A]) validate() error {
	if b.numPlayers < 2 || b.numPlayers > MaxPlayers {
		return &BuilderError{Field: "num_players", Reason: fmt.Sprintf("%d outside 2..%d", b.numPlayers, MaxPlayers)}
	}
	if b.inputDelay < 0 || b.inputDelay > 10 {
		return &BuilderError{Field: "input_delay", Reason: fmt.Sprintf("%d outside 0..10", b.inputDelay)}
	}
	if b.maxPrediction < 1 {
		return &BuilderError{Field: "max_prediction_frames", Reason: "must be at least 1"}
	}
	if b.spectatorLag < 0 {
		return &BuilderError{Field: "spectator_delay", Reason: "must not be negative"}
	}
	if b.desyncEvery < 0 {
		return &BuilderError{Field: "desync_detection", Reason: "interval must not be negative"}
	}

	seenHandle := make(map[types.PlayerHandle]bool)
	remoteAddrs := make(map[A]bool)
	spectatorAddrs := make(map[A]bool)
	participants := 0
	for _, p := range b.players {
		switch p.kind {
		case playerLocal, playerRemote:
			participants++
			if int(p.handle) < 0 || int(p.handle) >= b.numPlayers {
				return &BuilderError{Field: "player_handle", Reason: fmt.Sprintf("handle %d outside 0..%d", p.handle, b.numPlayers-1)}
			}
			if seenHandle[p.handle] {
				return &BuilderError{Field: "player_handle", Reason: fmt.Sprintf("handle %d registered twice", p.handle)}
			}
			seenHandle[p.handle] = true
		}
		// Remote players may share an address (two players on one
		// machine share a peer link); spectator addresses must be
		// distinct from everything.
		switch p.kind {
		case playerRemote:
			remoteAddrs[p.addr] = true
		case playerSpectator:
			if spectatorAddrs[p.addr] {
				return &BuilderError{Field: "address", Reason: "spectator address registered twice"}
			}
			spectatorAddrs[p.addr] = true
		}
	}
	for a := range spectatorAddrs {
		if remoteAddrs[a] {
			return &BuilderError{Field: "address", Reason: "spectator address collides with a remote player"}
		}
	}
	if participants != b.numPlayers {
		return &BuilderError{Field: "players", Reason: fmt.Sprintf("%d of %d participating handles registered", participants, b.numPlayers)}
	}
	return nil
}

func (b *SessionBuilder[I, S, A]) peerConfig(rowSize int) peer.Config {
	pv := b.preset.values()
	return peer.Config{
		RowSize:              rowSize,
		NumSyncPackets:       pv.numSyncPackets,
		SyncRetryInterval:    pv.syncRetryInterval,
		RunningRetryInterval: pv.runningRetryInterval,
		KeepaliveInterval:    pv.keepaliveInterval,
		SyncTimeout:          pv.syncTimeout,
		DisconnectTimeout:    b.disconnectTO,
		DisconnectNotify:     b.notifyStart,
		TimesyncWindow:       timesync.DefaultWindow,
		TimesyncThreshold:    timesync.DefaultThreshold,
		TimesyncInterval:     timesync.DefaultInterval,
	}
}

func (b *SessionBuilder[I, S, A]) magicFunc() func() uint32 {
	src := b.magic
	if src == nil {
		src = newRandMagic()
	}
	return src.Uint32
}

// StartP2PSession validates the configuration and builds the
// peer-to-peer session variant over the given endpoint.
func (b *SessionBuilder[I, S, A]) StartP2PSession(endpoint Endpoint[A]) (*P2PSession[I, S, A], error) {
	if err := b.validate(); err != nil {
		return nil, err
	}
	if endpoint == nil {
		return nil, &BuilderError{Field: "endpoint", Reason: "must not be nil"}
	}
	locals := 0
	for _, p := range b.players {
		if p.kind == playerLocal {
			locals++
		}
	}
	if locals == 0 {
		return nil, &BuilderError{Field: "players", Reason: "p2p session needs at least one local player"}
	}
	return newP2PSession(b, endpoint), nil
}

// StartSpectatorSession validates the configuration and builds a
// watch-only session receiving all inputs from the host at hostAddr.
func (b *SessionBuilder[I, S, A]) StartSpectatorSession(endpoint Endpoint[A], hostAddr A) (*SpectatorSession[I, S, A], error) {
	if b.numPlayers < 2 || b.numPlayers > MaxPlayers {
		return nil, &BuilderError{Field: "num_players", Reason: fmt.Sprintf("%d outside 2..%d", b.numPlayers, MaxPlayers)}
	}
	if endpoint == nil {
		return nil, &BuilderError{Field: "endpoint", Reason: "must not be nil"}
	}
	if b.spectatorLag < 0 {
		return nil, &BuilderError{Field: "spectator_delay", Reason: "must not be negative"}
	}
	return newSpectatorSession(b, endpoint, hostAddr), nil
}

// StartSyncTestSession validates the configuration and builds the
// offline determinism checker. Every player must be local; every frame
// is rolled back checkDistance frames and re-simulated.
func (b *SessionBuilder[I, S, A]) StartSyncTestSession(checkDistance int) (*SyncTestSession[I, S], error) {
	if err := b.validate(); err != nil {
		return nil, err
	}
	if checkDistance < 1 || checkDistance > b.maxPrediction {
		return nil, &BuilderError{Field: "check_distance", Reason: fmt.Sprintf("%d outside 1..%d", checkDistance, b.maxPrediction)}
	}
	for _, p := range b.players {
		if p.kind == playerRemote {
			return nil, &BuilderError{Field: "players", Reason: "sync test sessions take local players only"}
		}
	}
	return newSyncTestSession[I, S](b.numPlayers, b.inputDelay, b.maxPrediction, checkDistance, b.log), nil
}
