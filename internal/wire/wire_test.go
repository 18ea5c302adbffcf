package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/andersfylling/rollback/types"
)

func roundTrip(t *testing.T, peerMagic uint32, seq uint16, body Body) Packet {
	t.Helper()
	data, err := Marshal(peerMagic, seq, body)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	pkt, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if pkt.Header.Magic != ProtocolMagic || pkt.Header.PeerMagic != peerMagic || pkt.Header.Sequence != seq {
		t.Fatalf("header mismatch: %+v", pkt.Header)
	}
	return pkt
}

func TestHeaderLayout(t *testing.T) {
	data, err := Marshal(0x11223344, 0xbeef, Keepalive{})
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{
		0x59, 0x42, 0x4c, 0x52, // protocol family, little endian
		0x44, 0x33, 0x22, 0x11, // peer magic
		0xef, 0xbe, // sequence
		byte(KindKeepalive),
		0x00, // flags
	}
	if !bytes.Equal(data, want) {
		t.Fatalf("header bytes = % x, want % x", data, want)
	}
}

func TestSyncBodies(t *testing.T) {
	pkt := roundTrip(t, 1, 2, SyncRequest{Round: 7})
	if got := pkt.Body.(SyncRequest); got.Round != 7 {
		t.Fatalf("SyncRequest = %+v", got)
	}
	pkt = roundTrip(t, 1, 3, SyncReply{Round: 7})
	if got := pkt.Body.(SyncReply); got.Round != 7 {
		t.Fatalf("SyncReply = %+v", got)
	}
}

func TestInputBodyWithoutChecksum(t *testing.T) {
	in := Input{
		StartFrame:     10,
		InputCount:     3,
		AckFrame:       types.NullFrame,
		FrameAdvantage: -2,
		Stream:         []byte{1, 2, 3, 4},
	}
	pkt := roundTrip(t, 9, 1, in)
	got := pkt.Body.(Input)
	if got.StartFrame != 10 || got.InputCount != 3 || got.AckFrame != types.NullFrame ||
		got.FrameAdvantage != -2 || got.Checksum != nil || !bytes.Equal(got.Stream, in.Stream) {
		t.Fatalf("Input = %+v", got)
	}
}

func TestInputBodyWithChecksum(t *testing.T) {
	in := Input{
		StartFrame:     0,
		InputCount:     1,
		AckFrame:       5,
		FrameAdvantage: 1,
		Checksum:       &FrameChecksum{Frame: 20, Checksum: 0xdeadbeefcafef00d},
		Stream:         []byte{0xff},
	}
	pkt := roundTrip(t, 9, 1, in)
	got := pkt.Body.(Input)
	if got.Checksum == nil || got.Checksum.Frame != 20 || got.Checksum.Checksum != 0xdeadbeefcafef00d {
		t.Fatalf("Input checksum = %+v", got.Checksum)
	}
	if !bytes.Equal(got.Stream, in.Stream) {
		t.Fatalf("Input stream = % x", got.Stream)
	}
}

func TestQualityAndAckBodies(t *testing.T) {
	pkt := roundTrip(t, 4, 5, QualityReport{PingMS: 48, RemoteFrameAdvantage: -3})
	if got := pkt.Body.(QualityReport); got.PingMS != 48 || got.RemoteFrameAdvantage != -3 {
		t.Fatalf("QualityReport = %+v", got)
	}
	pkt = roundTrip(t, 4, 6, InputAck{AckFrame: 99})
	if got := pkt.Body.(InputAck); got.AckFrame != 99 {
		t.Fatalf("InputAck = %+v", got)
	}
}

func TestUnknownKindRejected(t *testing.T) {
	data, err := Marshal(1, 1, Keepalive{})
	if err != nil {
		t.Fatal(err)
	}
	data[10] = 0x77
	if _, err := Unmarshal(data); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("unknown kind error = %v", err)
	}
}

func TestWrongFamilyRejected(t *testing.T) {
	data, err := Marshal(1, 1, Keepalive{})
	if err != nil {
		t.Fatal(err)
	}
	data[0] ^= 0xff
	if _, err := Unmarshal(data); !errors.Is(err, ErrWrongFamily) {
		t.Fatalf("wrong family error = %v", err)
	}
}

func TestTruncatedPacketsRejected(t *testing.T) {
	data, err := Marshal(1, 1, SyncRequest{Round: 3})
	if err != nil {
		t.Fatal(err)
	}
	for cut := 0; cut < len(data); cut++ {
		if _, err := Unmarshal(data[:cut]); err == nil {
			t.Fatalf("truncation at %d accepted", cut)
		}
	}
}

func TestOversizeRejected(t *testing.T) {
	in := Input{InputCount: 1, Stream: make([]byte, MTU)}
	if _, err := Marshal(1, 1, in); !errors.Is(err, ErrOversize) {
		t.Fatalf("oversize marshal error = %v", err)
	}
	if _, err := Unmarshal(make([]byte, MTU+1)); !errors.Is(err, ErrOversize) {
		t.Fatalf("oversize unmarshal error = %v", err)
	}
}
