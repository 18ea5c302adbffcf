// Package demo is a tiny deterministic duel used by the example
// commands: two fighters on a platform strip trading punches. All
// physics runs on 24.8 fixed-point integers, because the engine's
// rollback correctness depends on every peer computing bit-identical
// states.
package demo

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/mlange-42/ark/ecs"

	"github.com/andersfylling/rollback/types"
)

// Input is the demo's button mask.
type Input uint8

const (
	BtnLeft Input = 1 << iota
	BtnRight
	BtnJump
	BtnPunch
)

// Size implements types.Input.
func (Input) Size() int { return 1 }

// AppendBytes implements types.Input.
func (i Input) AppendBytes(dst []byte) []byte { return append(dst, byte(i)) }

// FromBytes implements types.Input.
func (Input) FromBytes(src []byte) (Input, error) {
	if len(src) != 1 {
		return 0, fmt.Errorf("demo input: want 1 byte, got %d", len(src))
	}
	return Input(src[0]), nil
}

// Fixed-point world constants, 24.8.
const (
	one         = 256
	arenaWidth  = 80 * one
	groundY     = 0
	gravity     = -one / 8
	walkSpeed   = one
	jumpSpeed   = 3 * one
	punchRange  = 3 * one
	punchDamage = 5
	punchDelay  = 20 // cooldown ticks
	maxHealth   = 100
)

// Position component, fixed point.
type Position struct {
	X, Y int32
}

// Velocity component, fixed point.
type Velocity struct {
	X, Y int32
}

// Fighter component.
type Fighter struct {
	Player      int32
	FacingRight bool
	Health      int32
	Cooldown    int32
}

// PawnState captures one fighter for snapshot and restore.
type PawnState struct {
	Entity   ecs.Entity
	Position Position
	Velocity Velocity
	Fighter  Fighter
}

// State is a complete world snapshot for rollback.
type State struct {
	Tick  uint64
	Pawns []PawnState
}

// World is the duel simulation.
type World struct {
	ecs    ecs.World
	pawns  ecs.Map3[Position, Velocity, Fighter]
	filter *ecs.Filter3[Position, Velocity, Fighter]

	tick uint64
}

// NewWorld spawns numPlayers fighters spread across the arena.
func NewWorld(numPlayers int) *World {
	w := &World{ecs: ecs.NewWorld()}
	w.pawns = ecs.NewMap3[Position, Velocity, Fighter](&w.ecs)
	w.filter = ecs.NewFilter3[Position, Velocity, Fighter](&w.ecs)

	for p := 0; p < numPlayers; p++ {
		x := int32(arenaWidth * (p + 1) / (numPlayers + 1))
		w.pawns.NewEntity(
			&Position{X: x, Y: groundY},
			&Velocity{},
			&Fighter{Player: int32(p), FacingRight: p%2 == 0, Health: maxHealth},
		)
	}
	return w
}

// Tick returns the number of advances applied.
func (w *World) Tick() uint64 { return w.tick }

// Advance steps the simulation one frame with the given per-player
// inputs, ordered by handle.
func (w *World) Advance(inputs []types.PlayerInput[Input]) {
	w.tick++

	// Movement and physics.
	query := w.filter.Query()
	for query.Next() {
		pos, vel, f := query.Get()
		if f.Health <= 0 {
			continue
		}
		in := Input(0)
		if int(f.Player) < len(inputs) {
			in = inputs[f.Player].Input
		}

		vel.X = 0
		if in&BtnLeft != 0 {
			vel.X = -walkSpeed
			f.FacingRight = false
		}
		if in&BtnRight != 0 {
			vel.X = walkSpeed
			f.FacingRight = true
		}
		if in&BtnJump != 0 && pos.Y == groundY {
			vel.Y = jumpSpeed
		}

		vel.Y += gravity
		pos.X += vel.X
		pos.Y += vel.Y
		if pos.Y < groundY {
			pos.Y = groundY
			vel.Y = 0
		}
		if pos.X < 0 {
			pos.X = 0
		}
		if pos.X > arenaWidth {
			pos.X = arenaWidth
		}
		if f.Cooldown > 0 {
			f.Cooldown--
		}
	}
	query.Close()

	// Punches resolve after movement, in player order, so the outcome
	// does not depend on entity iteration order.
	w.resolvePunches(inputs)
}

func (w *World) resolvePunches(inputs []types.PlayerInput[Input]) {
	pawns := w.snapshotPawns()
	for _, attacker := range pawns {
		f := attacker.Fighter
		if f.Health <= 0 || f.Cooldown > 0 {
			continue
		}
		if int(f.Player) >= len(inputs) || inputs[f.Player].Input&BtnPunch == 0 {
			continue
		}
		w.setCooldown(attacker.Entity, punchDelay)
		for _, victim := range pawns {
			if victim.Fighter.Player == f.Player || victim.Fighter.Health <= 0 {
				continue
			}
			dx := victim.Position.X - attacker.Position.X
			if f.FacingRight && (dx < 0 || dx > punchRange) {
				continue
			}
			if !f.FacingRight && (dx > 0 || dx < -punchRange) {
				continue
			}
			dy := victim.Position.Y - attacker.Position.Y
			if dy < -punchRange || dy > punchRange {
				continue
			}
			w.damage(victim.Entity, punchDamage)
		}
	}
}

func (w *World) setCooldown(e ecs.Entity, ticks int32) {
	query := w.filter.Query()
	for query.Next() {
		if query.Entity() == e {
			_, _, f := query.Get()
			f.Cooldown = ticks
			break
		}
	}
	query.Close()
}

func (w *World) damage(e ecs.Entity, amount int32) {
	query := w.filter.Query()
	for query.Next() {
		if query.Entity() == e {
			_, _, f := query.Get()
			f.Health -= amount
			if f.Health < 0 {
				f.Health = 0
			}
			break
		}
	}
	query.Close()
}

// snapshotPawns reads all fighters sorted by player, the canonical
// order for snapshots, checksums and rendering.
func (w *World) snapshotPawns() []PawnState {
	pawns := make([]PawnState, 0, 4)
	query := w.filter.Query()
	for query.Next() {
		pos, vel, f := query.Get()
		pawns = append(pawns, PawnState{
			Entity:   query.Entity(),
			Position: *pos,
			Velocity: *vel,
			Fighter:  *f,
		})
	}
	query.Close()

	// Insertion sort by player id; entity iteration order is not part
	// of the deterministic surface.
	for i := 1; i < len(pawns); i++ {
		for j := i; j > 0 && pawns[j].Fighter.Player < pawns[j-1].Fighter.Player; j-- {
			pawns[j], pawns[j-1] = pawns[j-1], pawns[j]
		}
	}
	return pawns
}

// Snapshot captures the complete world state for rollback.
func (w *World) Snapshot() State {
	return State{Tick: w.tick, Pawns: w.snapshotPawns()}
}

// Restore rewinds the world to a snapshot.
func (w *World) Restore(s State) {
	w.tick = s.Tick
	for _, p := range s.Pawns {
		query := w.filter.Query()
		for query.Next() {
			if query.Entity() == p.Entity {
				pos, vel, f := query.Get()
				*pos = p.Position
				*vel = p.Velocity
				*f = p.Fighter
				break
			}
		}
		query.Close()
	}
}

// Checksum hashes the canonical state representation.
func (w *World) Checksum() uint64 {
	h := xxhash.New()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], w.tick)
	h.Write(buf[:])
	for _, p := range w.snapshotPawns() {
		for _, v := range []int32{
			p.Position.X, p.Position.Y,
			p.Velocity.X, p.Velocity.Y,
			p.Fighter.Player, p.Fighter.Health, p.Fighter.Cooldown,
		} {
			binary.LittleEndian.PutUint32(buf[:4], uint32(v))
			h.Write(buf[:4])
		}
		if p.Fighter.FacingRight {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
	}
	sum := h.Sum64()
	if sum == 0 {
		sum = 1 // zero means "no checksum" to the session
	}
	return sum
}

// Pawns returns the fighters in player order for rendering.
func (w *World) Pawns() []PawnState { return w.snapshotPawns() }

// ToScreen converts a fixed-point coordinate to a cell coordinate.
func ToScreen(v int32) int { return int(v / one) }

// ArenaWidth returns the arena width in screen cells.
func ArenaWidth() int { return arenaWidth / one }
