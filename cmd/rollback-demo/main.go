// Command rollback-demo plays the demo duel between two terminals over
// UDP. Start both sides, e.g.:
//
//	rollback-demo -listen :7000 -remote 127.0.0.1:7001 -player 0
//	rollback-demo -listen :7001 -remote 127.0.0.1:7000 -player 1
//
// Controls: arrow keys move and jump, x punches, esc quits.
package main

import (
	"errors"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gdamore/tcell/v2"
	"github.com/lucasb-eyer/go-colorful"
	"go.uber.org/zap"

	"github.com/andersfylling/rollback"
	"github.com/andersfylling/rollback/internal/demo"
	"github.com/andersfylling/rollback/types"
)

const tickRate = 60

func main() {
	listen := flag.String("listen", ":7000", "local UDP address")
	remote := flag.String("remote", "127.0.0.1:7001", "remote peer address")
	player := flag.Int("player", 0, "local player handle (0 or 1)")
	delay := flag.Int("delay", 2, "local input delay in frames")
	logPath := flag.String("log", "", "write engine logs to this file")
	flag.Parse()

	// Logs go to a file; stderr belongs to the terminal UI.
	logger := zap.NewNop()
	if *logPath != "" {
		cfg := zap.NewDevelopmentConfig()
		cfg.OutputPaths = []string{*logPath}
		cfg.ErrorOutputPaths = []string{*logPath}
		l, err := cfg.Build()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		logger = l
	}
	defer logger.Sync()

	if err := run(*listen, *remote, *player, *delay, logger); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(listen, remote string, player, delay int, logger *zap.Logger) error {
	remoteAddr, err := netip.ParseAddrPort(remote)
	if err != nil {
		return fmt.Errorf("remote address: %w", err)
	}
	endpoint, err := rollback.NewUDPEndpoint(listen)
	if err != nil {
		return fmt.Errorf("bind: %w", err)
	}
	defer endpoint.Close()

	local := types.PlayerHandle(player)
	other := types.PlayerHandle(1 - player)
	session, err := rollback.NewSessionBuilder[demo.Input, demo.State, netip.AddrPort](2).
		AddLocalPlayer(local).
		AddRemotePlayer(other, remoteAddr).
		WithInputDelay(delay).
		WithDesyncDetection(60).
		WithLogger(logger).
		StartP2PSession(endpoint)
	if err != nil {
		return err
	}

	screen, err := tcell.NewScreen()
	if err != nil {
		return err
	}
	if err := screen.Init(); err != nil {
		return err
	}
	defer screen.Fini()
	screen.SetStyle(tcell.StyleDefault.Background(tcell.ColorBlack).Foreground(tcell.ColorWhite))

	keys := make(chan *tcell.EventKey, 32)
	go func() {
		for {
			ev := screen.PollEvent()
			if key, ok := ev.(*tcell.EventKey); ok {
				keys <- key
			}
		}
	}()

	// Pump the handshake until the session reports EventRunning; exponential
	// backoff keeps a dead remote from spinning the CPU.
	running := false
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 16 * time.Millisecond
	bo.MaxInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = time.Minute
	err = backoff.Retry(func() error {
		session.PollRemotePeers()
		for _, ev := range session.Events() {
			if ev.Kind == rollback.EventRunning {
				running = true
			}
		}
		if !running {
			drawStatus(screen, "waiting for peer...")
			return errors.New("not synchronized")
		}
		return nil
	}, bo)
	if err != nil {
		return fmt.Errorf("peer never synchronized: %w", err)
	}

	world := demo.NewWorld(2)
	status := "running"
	ticker := time.NewTicker(time.Second / tickRate)
	defer ticker.Stop()

	for range ticker.C {
		in, quit := drainKeys(keys)
		if quit {
			return nil
		}

		session.PollRemotePeers()
		for _, ev := range session.Events() {
			switch ev.Kind {
			case rollback.EventNetworkInterrupted:
				status = "connection interrupted"
			case rollback.EventNetworkResumed:
				status = "running"
			case rollback.EventDesyncDetected:
				status = fmt.Sprintf("DESYNC at frame %s", ev.Frame)
			}
		}

		if err := session.AddLocalInput(local, in); err != nil {
			return err
		}
		res, err := session.AdvanceFrame()
		if err != nil {
			var pd *rollback.PlayerDisconnectedError
			if errors.As(err, &pd) {
				drawStatus(screen, "peer disconnected, press esc")
				continue
			}
			return err
		}

		for _, req := range res.Requests {
			switch req.Kind {
			case rollback.RequestSaveState:
				req.Cell.Save(world.Snapshot(), world.Checksum())
			case rollback.RequestLoadState:
				state, err := req.Cell.Load()
				if err != nil {
					return err
				}
				world.Restore(state)
			case rollback.RequestAdvanceFrame:
				world.Advance(req.Inputs)
			}
		}

		render(screen, session, world, status)
	}
	return nil
}

func drainKeys(keys chan *tcell.EventKey) (demo.Input, bool) {
	var in demo.Input
	for {
		select {
		case key := <-keys:
			switch key.Key() {
			case tcell.KeyEscape, tcell.KeyCtrlC:
				return in, true
			case tcell.KeyLeft:
				in |= demo.BtnLeft
			case tcell.KeyRight:
				in |= demo.BtnRight
			case tcell.KeyUp:
				in |= demo.BtnJump
			case tcell.KeyRune:
				if key.Rune() == 'x' {
					in |= demo.BtnPunch
				}
			}
		default:
			return in, false
		}
	}
}

func drawStatus(screen tcell.Screen, msg string) {
	screen.Clear()
	drawText(screen, 2, 1, tcell.StyleDefault, msg)
	screen.Show()
}

func drawText(screen tcell.Screen, x, y int, style tcell.Style, text string) {
	for i, r := range text {
		screen.SetContent(x+i, y, r, nil, style)
	}
}

// healthColor blends from green to red as a fighter takes damage.
func healthColor(health int32) tcell.Color {
	healthy, _ := colorful.Hex("#2ecc71")
	hurt, _ := colorful.Hex("#e74c3c")
	t := 1 - float64(health)/100
	r, g, b := healthy.BlendLuv(hurt, t).Clamped().RGB255()
	return tcell.NewRGBColor(int32(r), int32(g), int32(b))
}

func render(screen tcell.Screen, session *rollback.P2PSession[demo.Input, demo.State, netip.AddrPort], world *demo.World, status string) {
	screen.Clear()
	_, height := screen.Size()
	groundRow := height - 3
	if groundRow < 5 {
		groundRow = 5
	}

	for x := 0; x <= demo.ArenaWidth(); x++ {
		screen.SetContent(x, groundRow, '=', nil, tcell.StyleDefault.Foreground(tcell.ColorGray))
	}

	for _, p := range world.Pawns() {
		style := tcell.StyleDefault.Foreground(healthColor(p.Fighter.Health))
		x := demo.ToScreen(p.Position.X)
		y := groundRow - 1 - demo.ToScreen(p.Position.Y)
		glyph := '@'
		if p.Fighter.Health <= 0 {
			glyph = '%'
		}
		screen.SetContent(x, y, glyph, nil, style)
		drawText(screen, x-1, y-1, style, fmt.Sprintf("P%d", p.Fighter.Player))
	}

	hud := fmt.Sprintf("frame %s  confirmed %s  %s", session.CurrentFrame(), session.ConfirmedFrame(), status)
	drawText(screen, 2, 1, tcell.StyleDefault, hud)
	for h := 0; h < 2; h++ {
		if stats, err := session.NetworkStats(types.PlayerHandle(h)); err == nil {
			drawText(screen, 2, 2, tcell.StyleDefault,
				fmt.Sprintf("ping %.0fms  queue %d  %.1f kbps", stats.PingMS, stats.SendQueueLen, stats.KbpsSent))
		}
	}
	screen.Show()
}
