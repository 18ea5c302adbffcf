// Command rollback-synctest drives the demo duel through a sync-test
// session: every frame is rolled back and re-simulated, and any
// checksum divergence aborts the run. Use it to verify a simulation is
// deterministic before taking it online.
package main

import (
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"

	"go.uber.org/zap"

	"github.com/andersfylling/rollback"
	"github.com/andersfylling/rollback/internal/demo"
	"github.com/andersfylling/rollback/types"
)

func main() {
	frames := flag.Int("frames", 600, "frames to simulate")
	check := flag.Int("check", 4, "rollback depth per frame")
	players := flag.Int("players", 2, "number of players")
	seed := flag.Int64("seed", 1, "input script seed")
	verbose := flag.Bool("v", false, "verbose engine logging")
	flag.Parse()

	logger := zap.NewNop()
	if *verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		logger = l
	}
	defer logger.Sync()

	builder := rollback.NewSessionBuilder[demo.Input, demo.State, string](*players).
		WithInputDelay(2).
		WithMaxPredictionFrames(8).
		WithLogger(logger)
	for p := 0; p < *players; p++ {
		builder.AddLocalPlayer(types.PlayerHandle(p))
	}
	session, err := builder.StartSyncTestSession(*check)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	world := demo.NewWorld(*players)
	rng := rand.New(rand.NewSource(*seed))

	for f := 0; f < *frames; f++ {
		for p := 0; p < *players; p++ {
			in := demo.Input(rng.Intn(16))
			if err := session.AddLocalInput(types.PlayerHandle(p), in); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
		}

		res, err := session.AdvanceFrame()
		if err != nil {
			var desync *rollback.SyncTestDesyncError
			if errors.As(err, &desync) {
				fmt.Fprintf(os.Stderr, "simulation is NOT deterministic: %v\n", desync)
				os.Exit(2)
			}
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		for _, req := range res.Requests {
			switch req.Kind {
			case rollback.RequestSaveState:
				req.Cell.Save(world.Snapshot(), world.Checksum())
			case rollback.RequestLoadState:
				state, err := req.Cell.Load()
				if err != nil {
					fmt.Fprintln(os.Stderr, err)
					os.Exit(1)
				}
				world.Restore(state)
			case rollback.RequestAdvanceFrame:
				world.Advance(req.Inputs)
			}
		}
	}

	fmt.Printf("ok: %d frames, rollback depth %d, final checksum %#x\n",
		*frames, *check, world.Checksum())
}
