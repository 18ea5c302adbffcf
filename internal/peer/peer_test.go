package peer

import (
	"testing"
	"time"

	"github.com/andersfylling/rollback/internal/wire"
	"github.com/andersfylling/rollback/types"
)

func testConfig() Config {
	return Config{
		RowSize:              1,
		NumSyncPackets:       5,
		SyncRetryInterval:    200 * time.Millisecond,
		RunningRetryInterval: 200 * time.Millisecond,
		KeepaliveInterval:    200 * time.Millisecond,
		SyncTimeout:          10 * time.Second,
		DisconnectTimeout:    5 * time.Second,
		DisconnectNotify:     750 * time.Millisecond,
		TimesyncWindow:       40,
		TimesyncThreshold:    2,
		TimesyncInterval:     240,
	}
}

// fixedRand returns the given values in order, then counts upward from
// the last one.
func fixedRand(values ...uint32) func() uint32 {
	i := 0
	last := values[len(values)-1]
	return func() uint32 {
		if i < len(values) {
			v := values[i]
			i++
			return v
		}
		last++
		return last
	}
}

// shuttle delivers all queued datagrams in both directions until the
// link is quiet.
func shuttle(a, b *Peer, now time.Time) {
	for {
		out := a.DrainOutgoing()
		back := b.DrainOutgoing()
		if len(out) == 0 && len(back) == 0 {
			return
		}
		for _, d := range out {
			b.HandlePacket(d, now)
		}
		for _, d := range back {
			a.HandlePacket(d, now)
		}
	}
}

func synchronize(t *testing.T, a, b *Peer, now time.Time) {
	t.Helper()
	a.Poll(now)
	b.Poll(now)
	shuttle(a, b, now)
	if a.State() != Synchronized || b.State() != Synchronized {
		t.Fatalf("states after handshake: %v / %v", a.State(), b.State())
	}
}

func TestHandshakeCompletes(t *testing.T) {
	cfg := testConfig()
	a := New(cfg, fixedRand(0x1111), nil)
	b := New(cfg, fixedRand(0x2222), nil)
	now := time.Unix(0, 0)

	synchronize(t, a, b, now)

	var progress, synced int
	for _, ev := range a.DrainEvents() {
		switch ev.Kind {
		case EventSynchronizing:
			progress++
			if ev.Total != cfg.NumSyncPackets {
				t.Fatalf("Synchronizing total = %d", ev.Total)
			}
		case EventSynchronized:
			synced++
		}
	}
	if progress != cfg.NumSyncPackets || synced != 1 {
		t.Fatalf("events: %d progress, %d synchronized", progress, synced)
	}
}

func TestHandshakeTimesOut(t *testing.T) {
	cfg := testConfig()
	a := New(cfg, fixedRand(0x1111), nil)
	now := time.Unix(0, 0)

	a.Poll(now)
	a.Poll(now.Add(cfg.SyncTimeout))
	if a.State() != Disconnected {
		t.Fatalf("state = %v, want disconnected", a.State())
	}
	found := false
	for _, ev := range a.DrainEvents() {
		if ev.Kind == EventDisconnected {
			found = true
		}
	}
	if !found {
		t.Fatal("no Disconnected event")
	}
}

func TestInputExchangeAndAck(t *testing.T) {
	cfg := testConfig()
	a := New(cfg, fixedRand(0x1111), nil)
	b := New(cfg, fixedRand(0x2222), nil)
	now := time.Unix(0, 0)
	synchronize(t, a, b, now)

	for f := types.Frame(0); f < 3; f = f.Next() {
		a.AddPendingInput(f, []byte{byte(0x10 + f)})
	}
	a.Poll(now)
	shuttle(a, b, now)
	// B acks on its next poll.
	b.Poll(now)
	shuttle(a, b, now)

	got := b.DrainInputs()
	if len(got) != 3 {
		t.Fatalf("received %d inputs, want 3", len(got))
	}
	for i, in := range got {
		if in.Frame != types.Frame(i) || in.Row[0] != byte(0x10+i) {
			t.Fatalf("input %d = %+v", i, in)
		}
	}
	if got := b.LastReceivedInputFrame(); got != types.Frame(2) {
		t.Fatalf("LastReceivedInputFrame = %v", got)
	}
	// The ack came back and emptied A's retransmit queue.
	if n := a.Stats().SendQueueLen; n != 0 {
		t.Fatalf("send queue after ack = %d", n)
	}
	if a.State() != Running || b.State() != Running {
		t.Fatalf("states after input exchange: %v / %v", a.State(), b.State())
	}
}

func TestDuplicateInputPacketIsIdempotent(t *testing.T) {
	cfg := testConfig()
	a := New(cfg, fixedRand(0x1111), nil)
	b := New(cfg, fixedRand(0x2222), nil)
	now := time.Unix(0, 0)
	synchronize(t, a, b, now)

	a.AddPendingInput(0, []byte{0x42})
	a.Poll(now)
	packets := a.DrainOutgoing()
	if len(packets) == 0 {
		t.Fatal("no outgoing input packet")
	}

	for _, d := range packets {
		b.HandlePacket(d, now)
	}
	if got := len(b.DrainInputs()); got != 1 {
		t.Fatalf("first delivery produced %d inputs", got)
	}
	// Replay the exact same datagrams.
	for _, d := range packets {
		b.HandlePacket(d, now)
	}
	if got := len(b.DrainInputs()); got != 0 {
		t.Fatalf("duplicate delivery produced %d inputs", got)
	}
}

func TestRetransmitUntilAcked(t *testing.T) {
	cfg := testConfig()
	a := New(cfg, fixedRand(0x1111), nil)
	b := New(cfg, fixedRand(0x2222), nil)
	now := time.Unix(0, 0)
	synchronize(t, a, b, now)

	a.AddPendingInput(0, []byte{0x01})
	a.Poll(now)
	// First send is lost.
	a.DrainOutgoing()
	if n := a.Stats().SendQueueLen; n != 1 {
		t.Fatalf("send queue = %d", n)
	}

	// After the retry interval the row goes out again.
	now = now.Add(cfg.RunningRetryInterval)
	a.Poll(now)
	resent := a.DrainOutgoing()
	if len(resent) == 0 {
		t.Fatal("no retransmission")
	}
	for _, d := range resent {
		b.HandlePacket(d, now)
	}
	if got := len(b.DrainInputs()); got != 1 {
		t.Fatalf("retransmission delivered %d inputs", got)
	}
}

func TestMalformedInputStreamDropped(t *testing.T) {
	cfg := testConfig()
	a := New(cfg, fixedRand(0x1111), nil)
	b := New(cfg, fixedRand(0x2222), nil)
	now := time.Unix(0, 0)
	synchronize(t, a, b, now)

	// Hand-build an input packet whose stream does not decode.
	data, err := wire.Marshal(a.LocalMagic(), 999, wire.Input{
		StartFrame: 0,
		InputCount: 4,
		AckFrame:   types.NullFrame,
		Stream:     []byte{0xff},
	})
	if err != nil {
		t.Fatal(err)
	}
	b.HandlePacket(data, now)

	if got := len(b.DrainInputs()); got != 0 {
		t.Fatalf("malformed packet produced %d inputs", got)
	}
	malformed := false
	for _, ev := range b.DrainEvents() {
		if ev.Kind == EventInputMalformed {
			malformed = true
		}
	}
	if !malformed {
		t.Fatal("no InputMalformed event")
	}
	if b.Stats().MalformedDrops == 0 {
		t.Fatal("malformed drop not counted")
	}
}

func TestStaleMagicDiscarded(t *testing.T) {
	cfg := testConfig()
	a := New(cfg, fixedRand(0x1111), nil)
	b := New(cfg, fixedRand(0x2222), nil)
	now := time.Unix(0, 0)
	synchronize(t, a, b, now)

	// A packet from a previous session instance carries a different
	// nonce; it must be ignored without events.
	data, err := wire.Marshal(0x9999, 1, wire.Input{
		StartFrame: 0,
		InputCount: 1,
		AckFrame:   types.NullFrame,
		Stream:     []byte{1, 0, 0x42},
	})
	if err != nil {
		t.Fatal(err)
	}
	before := b.Stats().PacketsReceived
	b.HandlePacket(data, now)
	if got := b.Stats().PacketsReceived; got != before {
		t.Fatal("stale packet was counted as received")
	}
	if got := len(b.DrainInputs()); got != 0 {
		t.Fatalf("stale packet produced %d inputs", got)
	}
}

func TestMagicCollisionRestartsHandshake(t *testing.T) {
	cfg := testConfig()
	// Both sides draw the same nonce first; each redraws when it sees
	// its own nonce arrive from the other side.
	a := New(cfg, fixedRand(0x7777, 0xaaaa), nil)
	b := New(cfg, fixedRand(0x7777, 0xbbbb), nil)
	now := time.Unix(0, 0)

	a.Poll(now)
	b.Poll(now)
	// Keep shuttling with retries until both sides settle.
	for i := 0; i < 2*cfg.NumSyncPackets+4; i++ {
		shuttle(a, b, now)
		now = now.Add(cfg.SyncRetryInterval)
		a.Poll(now)
		b.Poll(now)
	}
	shuttle(a, b, now)

	if a.State() != Synchronized || b.State() != Synchronized {
		t.Fatalf("states after collision recovery: %v / %v", a.State(), b.State())
	}
	if a.LocalMagic() == b.LocalMagic() {
		t.Fatal("collision was not resolved")
	}
}

func TestInterruptResumeAndDisconnect(t *testing.T) {
	cfg := testConfig()
	a := New(cfg, fixedRand(0x1111), nil)
	b := New(cfg, fixedRand(0x2222), nil)
	now := time.Unix(0, 0)
	synchronize(t, a, b, now)
	a.DrainEvents()

	// Peer goes quiet past the notify threshold.
	now = now.Add(cfg.DisconnectNotify)
	a.Poll(now)
	interrupted := false
	for _, ev := range a.DrainEvents() {
		if ev.Kind == EventInterrupted {
			interrupted = true
		}
	}
	if !interrupted {
		t.Fatal("no Interrupted event")
	}

	// It speaks again: Resumed.
	b.Poll(now)
	for _, d := range b.DrainOutgoing() {
		a.HandlePacket(d, now)
	}
	resumed := false
	for _, ev := range a.DrainEvents() {
		if ev.Kind == EventResumed {
			resumed = true
		}
	}
	if !resumed {
		t.Fatal("no Resumed event")
	}

	// Then silence past the disconnect timeout.
	now = now.Add(cfg.DisconnectTimeout)
	a.Poll(now)
	if a.State() != Disconnected {
		t.Fatalf("state = %v, want disconnected", a.State())
	}
	// The quality snapshot survives for diagnostics.
	if a.Stats().PacketsReceived == 0 {
		t.Fatal("stats lost after disconnect")
	}
}

func TestChecksumPiggyback(t *testing.T) {
	cfg := testConfig()
	a := New(cfg, fixedRand(0x1111), nil)
	b := New(cfg, fixedRand(0x2222), nil)
	now := time.Unix(0, 0)
	synchronize(t, a, b, now)

	a.ScheduleChecksum(10, 0xfeedface)
	a.AddPendingInput(0, []byte{0x01})
	a.Poll(now)
	shuttle(a, b, now)

	sums := b.DrainRemoteChecksums()
	if len(sums) != 1 || sums[0].Frame != 10 || sums[0].Checksum != 0xfeedface {
		t.Fatalf("remote checksums = %+v", sums)
	}
}
