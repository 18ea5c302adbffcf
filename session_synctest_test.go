package rollback

import (
	"errors"
	"testing"

	"github.com/andersfylling/rollback/types"
)

func newSyncTest(t *testing.T, checkDistance int) *SyncTestSession[testInput, uint64] {
	t.Helper()
	sess, err := NewSessionBuilder[testInput, uint64, string](2).
		AddLocalPlayer(0).
		AddLocalPlayer(1).
		WithInputDelay(2).
		StartSyncTestSession(checkDistance)
	if err != nil {
		t.Fatal(err)
	}
	return sess
}

func syncTestTick(t *testing.T, s *SyncTestSession[testInput, uint64], g *testGame, in testInput) (TickResult[testInput, uint64], error) {
	t.Helper()
	if err := s.AddLocalInput(0, in); err != nil {
		return TickResult[testInput, uint64]{}, err
	}
	if err := s.AddLocalInput(1, in+1); err != nil {
		return TickResult[testInput, uint64]{}, err
	}
	res, err := s.AdvanceFrame()
	if err != nil {
		return res, err
	}
	g.fulfill(t, res)
	return res, nil
}

func TestSyncTestDeterministicSimulationPasses(t *testing.T) {
	s := newSyncTest(t, 3)
	g := newTestGame()

	for i := 0; i < 50; i++ {
		res, err := syncTestTick(t, s, g, testInput(i%5))
		if err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		if res.Status != TickAdvanced {
			t.Fatalf("tick %d status = %v", i, res.Status)
		}
	}
	if got := s.CurrentFrame(); got != types.Frame(50) {
		t.Fatalf("current frame = %v, want 50", got)
	}
	// Every frame past the warm-up was rolled back and re-simulated.
	if g.loads < 40 {
		t.Fatalf("loads = %d, want one per steady-state tick", g.loads)
	}
}

func TestSyncTestEmitsRollbackRequests(t *testing.T) {
	s := newSyncTest(t, 3)
	g := newTestGame()

	for i := 0; i < 10; i++ {
		res, err := syncTestTick(t, s, g, 0x01)
		if err != nil {
			t.Fatal(err)
		}
		if i < 3 {
			continue
		}
		// Steady state: one save+advance, then a load and the forced
		// resim of checkDistance frames.
		var loads, advances int
		for _, req := range res.Requests {
			switch req.Kind {
			case RequestLoadState:
				loads++
			case RequestAdvanceFrame:
				advances++
			}
		}
		if loads != 1 {
			t.Fatalf("tick %d: loads = %d, want 1", i, loads)
		}
		if advances != 1+3 {
			t.Fatalf("tick %d: advances = %d, want 4", i, advances)
		}
	}
}

// brokenGame re-derives different state on replay, like a simulation
// that reads wall-clock time or iterates a map.
type brokenGame struct {
	*testGame
	nonce uint64
}

func (g *brokenGame) fulfill(t *testing.T, res TickResult[testInput, uint64]) {
	t.Helper()
	for _, req := range res.Requests {
		switch req.Kind {
		case RequestSaveState:
			g.nonce++
			req.Cell.Save(g.state, g.state+g.nonce)
		case RequestLoadState:
			st, err := req.Cell.Load()
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			g.state = st
		case RequestAdvanceFrame:
			for _, in := range req.Inputs {
				g.state = g.state*1099511628211 + uint64(in.Input) + 17
			}
		}
	}
}

func TestSyncTestCatchesNonDeterminism(t *testing.T) {
	s := newSyncTest(t, 3)
	g := &brokenGame{testGame: newTestGame()}

	var fatal error
	for i := 0; i < 20 && fatal == nil; i++ {
		if err := s.AddLocalInput(0, 0x01); err != nil {
			fatal = err
			break
		}
		if err := s.AddLocalInput(1, 0x01); err != nil {
			fatal = err
			break
		}
		res, err := s.AdvanceFrame()
		if err != nil {
			fatal = err
			break
		}
		g.fulfill(t, res)
	}

	var desync *SyncTestDesyncError
	if !errors.As(fatal, &desync) {
		t.Fatalf("error = %v, want SyncTestDesyncError", fatal)
	}

	// Fatal errors leave the session inert.
	if _, err := s.AdvanceFrame(); err == nil {
		t.Fatal("inert session accepted advance")
	}
}
