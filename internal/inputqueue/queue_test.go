package inputqueue

import (
	"fmt"
	"testing"

	"github.com/andersfylling/rollback/types"
)

// testInput is a one-byte button mask, the smallest realistic input.
type testInput uint8

func (testInput) Size() int { return 1 }

func (i testInput) AppendBytes(dst []byte) []byte { return append(dst, byte(i)) }

func (testInput) FromBytes(src []byte) (testInput, error) {
	if len(src) != 1 {
		return 0, fmt.Errorf("want 1 byte, got %d", len(src))
	}
	return testInput(src[0]), nil
}

func TestAddAndGetConfirmed(t *testing.T) {
	q := New[testInput]()

	for f := types.Frame(0); f < 5; f = f.Next() {
		if err := q.AddInput(f, testInput(f)); err != nil {
			t.Fatalf("AddInput(%s): %v", f, err)
		}
	}

	if got := q.LastConfirmedFrame(); got != types.Frame(4) {
		t.Fatalf("LastConfirmedFrame = %v, want 4", got)
	}
	for f := types.Frame(0); f < 5; f = f.Next() {
		in, err := q.Input(f)
		if err != nil {
			t.Fatalf("Input(%s): %v", f, err)
		}
		if in.Status != types.InputConfirmed || in.Input != testInput(f) {
			t.Fatalf("Input(%s) = %+v, want confirmed %d", f, in, f)
		}
	}
}

func TestPredictionRepeatsLastKnown(t *testing.T) {
	q := New[testInput]()
	if err := q.AddInput(0, 0x01); err != nil {
		t.Fatal(err)
	}

	in, err := q.Input(4)
	if err != nil {
		t.Fatal(err)
	}
	if in.Status != types.InputPredicted || in.Input != 0x01 {
		t.Fatalf("Input(4) = %+v, want predicted 0x01", in)
	}
	// The gap frames were stored as predictions too.
	for f := types.Frame(1); f <= 4; f = f.Next() {
		in, err := q.Input(f)
		if err != nil {
			t.Fatal(err)
		}
		if in.Status != types.InputPredicted {
			t.Fatalf("Input(%s).Status = %v, want predicted", f, in.Status)
		}
	}
	if got := q.LastConfirmedFrame(); got != types.Frame(0) {
		t.Fatalf("LastConfirmedFrame = %v, want 0", got)
	}
}

func TestMispredictionSetsFirstIncorrect(t *testing.T) {
	q := New[testInput]()
	if err := q.AddInput(0, 0x01); err != nil {
		t.Fatal(err)
	}
	// Predict frames 1..3 (repeat 0x01).
	if _, err := q.Input(3); err != nil {
		t.Fatal(err)
	}

	// Frame 1 turns out to match the prediction, frame 2 does not.
	if err := q.AddInput(1, 0x01); err != nil {
		t.Fatal(err)
	}
	if got := q.FirstIncorrectFrame(); !got.IsNull() {
		t.Fatalf("FirstIncorrectFrame after matching confirm = %v, want null", got)
	}
	if err := q.AddInput(2, 0x02); err != nil {
		t.Fatal(err)
	}
	if got := q.FirstIncorrectFrame(); got != types.Frame(2) {
		t.Fatalf("FirstIncorrectFrame = %v, want 2", got)
	}

	// A later misprediction must not raise the marker.
	if err := q.AddInput(3, 0x03); err != nil {
		t.Fatal(err)
	}
	if got := q.FirstIncorrectFrame(); got != types.Frame(2) {
		t.Fatalf("FirstIncorrectFrame = %v, want 2 (not raised)", got)
	}

	// After the rollback replayed past it, the marker clears.
	q.ResetPrediction(3)
	if got := q.FirstIncorrectFrame(); !got.IsNull() {
		t.Fatalf("FirstIncorrectFrame after reset = %v, want null", got)
	}
}

func TestDuplicateInputIsIgnored(t *testing.T) {
	q := New[testInput]()
	for f := types.Frame(0); f < 3; f = f.Next() {
		if err := q.AddInput(f, testInput(f)); err != nil {
			t.Fatal(err)
		}
	}

	// Feeding the same frames again (retransmitted packet) changes
	// nothing, even with a different payload.
	if err := q.AddInput(1, 0x7f); err != nil {
		t.Fatal(err)
	}
	in, err := q.Input(1)
	if err != nil {
		t.Fatal(err)
	}
	if in.Input != testInput(1) || in.Status != types.InputConfirmed {
		t.Fatalf("Input(1) after duplicate = %+v, want confirmed 1", in)
	}
	if got := q.FirstIncorrectFrame(); !got.IsNull() {
		t.Fatalf("duplicate set FirstIncorrectFrame = %v", got)
	}
}

func TestSmearMarksGapPredicted(t *testing.T) {
	q := New[testInput]()
	if err := q.AddInput(0, 0x01); err != nil {
		t.Fatal(err)
	}
	// Frame 4 arrives before 1..3.
	if err := q.AddInput(4, 0x04); err != nil {
		t.Fatal(err)
	}

	for f := types.Frame(1); f <= 3; f = f.Next() {
		in, err := q.Input(f)
		if err != nil {
			t.Fatal(err)
		}
		if in.Status != types.InputPredicted || in.Input != 0x01 {
			t.Fatalf("smeared Input(%s) = %+v, want predicted 0x01", f, in)
		}
	}
	// Confirmed prefix stops before the smear.
	if got := q.LastConfirmedFrame(); got != types.Frame(0) {
		t.Fatalf("LastConfirmedFrame = %v, want 0", got)
	}
}

func TestDiscardConfirmedFrames(t *testing.T) {
	q := NewWithCapacity[testInput](8)
	for f := types.Frame(0); f < 8; f = f.Next() {
		if err := q.AddInput(f, testInput(f)); err != nil {
			t.Fatal(err)
		}
	}
	// Queue is full now; another add must fail.
	if err := q.AddInput(8, 0x08); err == nil {
		t.Fatal("AddInput on full queue should fail")
	}

	q.DiscardConfirmedFrames(3)
	if got := q.FirstFrame(); got != types.Frame(4) {
		t.Fatalf("FirstFrame after discard = %v, want 4", got)
	}
	if _, err := q.Input(2); err == nil {
		t.Fatal("Input(2) after discard should fail")
	}

	// Space freed; adds work again and wrap the ring.
	for f := types.Frame(8); f < 12; f = f.Next() {
		if err := q.AddInput(f, testInput(f)); err != nil {
			t.Fatalf("AddInput(%s) after discard: %v", f, err)
		}
	}
	in, err := q.Input(11)
	if err != nil || in.Input != testInput(11) {
		t.Fatalf("Input(11) = %+v, %v", in, err)
	}
}

func TestConfirmedInputAccessor(t *testing.T) {
	q := New[testInput]()
	if err := q.AddInput(0, 0x01); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Input(2); err != nil {
		t.Fatal(err)
	}

	if in, ok := q.ConfirmedInput(0); !ok || in != 0x01 {
		t.Fatalf("ConfirmedInput(0) = %v, %v", in, ok)
	}
	if _, ok := q.ConfirmedInput(2); ok {
		t.Fatal("ConfirmedInput(2) should report unconfirmed")
	}
	if _, ok := q.ConfirmedInput(17); ok {
		t.Fatal("ConfirmedInput(17) should report unknown")
	}
}
