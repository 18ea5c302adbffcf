package rollback

import (
	"errors"
	"testing"
)

func builderEndpoint() *memEndpoint {
	return newMemHub().endpoint("self")
}

func expectBuilderError(t *testing.T, err error, field string) {
	t.Helper()
	var be *BuilderError
	if !errors.As(err, &be) {
		t.Fatalf("error = %v, want BuilderError", err)
	}
	if be.Field != field {
		t.Fatalf("BuilderError field = %q, want %q", be.Field, field)
	}
}

func TestBuilderRejectsPlayerCounts(t *testing.T) {
	_, err := NewSessionBuilder[testInput, uint64, string](0).
		StartP2PSession(builderEndpoint())
	expectBuilderError(t, err, "num_players")

	_, err = NewSessionBuilder[testInput, uint64, string](MaxPlayers + 1).
		StartP2PSession(builderEndpoint())
	expectBuilderError(t, err, "num_players")
}

func TestBuilderRejectsDuplicateHandle(t *testing.T) {
	_, err := NewSessionBuilder[testInput, uint64, string](2).
		AddLocalPlayer(0).
		AddRemotePlayer(0, "peer").
		StartP2PSession(builderEndpoint())
	expectBuilderError(t, err, "player_handle")
}

func TestBuilderRejectsMissingPlayers(t *testing.T) {
	_, err := NewSessionBuilder[testInput, uint64, string](2).
		AddLocalPlayer(0).
		StartP2PSession(builderEndpoint())
	expectBuilderError(t, err, "players")
}

func TestBuilderRejectsHandleOutOfRange(t *testing.T) {
	_, err := NewSessionBuilder[testInput, uint64, string](2).
		AddLocalPlayer(0).
		AddRemotePlayer(5, "peer").
		StartP2PSession(builderEndpoint())
	expectBuilderError(t, err, "player_handle")
}

func TestBuilderRejectsBadDelay(t *testing.T) {
	_, err := NewSessionBuilder[testInput, uint64, string](2).
		AddLocalPlayer(0).
		AddRemotePlayer(1, "peer").
		WithInputDelay(-1).
		StartP2PSession(builderEndpoint())
	expectBuilderError(t, err, "input_delay")
}

func TestBuilderRejectsBadPrediction(t *testing.T) {
	_, err := NewSessionBuilder[testInput, uint64, string](2).
		AddLocalPlayer(0).
		AddRemotePlayer(1, "peer").
		WithMaxPredictionFrames(0).
		StartP2PSession(builderEndpoint())
	expectBuilderError(t, err, "max_prediction_frames")
}

func TestBuilderRejectsRemoteOnlyP2P(t *testing.T) {
	_, err := NewSessionBuilder[testInput, uint64, string](2).
		AddRemotePlayer(0, "x").
		AddRemotePlayer(1, "y").
		StartP2PSession(builderEndpoint())
	expectBuilderError(t, err, "players")
}

func TestBuilderAllowsSharedRemoteAddress(t *testing.T) {
	// Two remote players behind one machine share a peer link.
	sess, err := NewSessionBuilder[testInput, uint64, string](3).
		AddLocalPlayer(0).
		AddRemotePlayer(1, "peer").
		AddRemotePlayer(2, "peer").
		StartP2PSession(builderEndpoint())
	if err != nil {
		t.Fatalf("shared remote address rejected: %v", err)
	}
	if len(sess.peers) != 1 {
		t.Fatalf("peer count = %d, want 1", len(sess.peers))
	}
}

func TestBuilderRejectsSpectatorAddressCollision(t *testing.T) {
	_, err := NewSessionBuilder[testInput, uint64, string](2).
		AddLocalPlayer(0).
		AddRemotePlayer(1, "peer").
		AddSpectator("peer").
		StartP2PSession(builderEndpoint())
	expectBuilderError(t, err, "address")
}

func TestBuilderRejectsSyncTestWithRemotes(t *testing.T) {
	_, err := NewSessionBuilder[testInput, uint64, string](2).
		AddLocalPlayer(0).
		AddRemotePlayer(1, "peer").
		StartSyncTestSession(2)
	expectBuilderError(t, err, "players")
}

func TestBuilderRejectsBadCheckDistance(t *testing.T) {
	b := NewSessionBuilder[testInput, uint64, string](2).
		AddLocalPlayer(0).
		AddLocalPlayer(1).
		WithMaxPredictionFrames(4)
	if _, err := b.StartSyncTestSession(0); err == nil {
		t.Fatal("check distance 0 accepted")
	}
	if _, err := b.StartSyncTestSession(5); err == nil {
		t.Fatal("check distance above prediction window accepted")
	}
	if _, err := b.StartSyncTestSession(4); err != nil {
		t.Fatalf("valid check distance rejected: %v", err)
	}
}
