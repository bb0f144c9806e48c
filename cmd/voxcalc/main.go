// voxcalc is a voice-driven calculator. It streams microphone audio to a
// remote conversational agent, plays the synthesized reply, and renders the
// live expression and result in the terminal.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/voxcalc/voxcalc/internal/dotenv"
	"github.com/voxcalc/voxcalc/pkg/calc/audio"
	"github.com/voxcalc/voxcalc/pkg/calc/engine"
	"github.com/voxcalc/voxcalc/pkg/calc/protocol"
	"github.com/voxcalc/voxcalc/pkg/calc/transport"
)

const clientVersion = "0.3.0"

type options struct {
	server    string
	apiKey    string
	model     string
	frameMS   int
	autostart bool
	debug     bool
}

func main() {
	os.Exit(runMain())
}

func runMain() int {
	if err := dotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, "load .env:", err)
	}

	var opt options
	flag.StringVar(&opt.server, "server", strings.TrimSpace(os.Getenv("VOXCALC_SERVER")), "Agent ws(s):// URL (also reads VOXCALC_SERVER); required")
	flag.StringVar(&opt.apiKey, "api-key", strings.TrimSpace(os.Getenv("VOXCALC_API_KEY")), "Agent API key (also reads VOXCALC_API_KEY)")
	flag.StringVar(&opt.model, "model", "calc-live-1", "Agent model name")
	flag.IntVar(&opt.frameMS, "mic-frame-ms", 20, "Mic frame duration in ms")
	flag.BoolVar(&opt.autostart, "autostart", false, "Connect immediately instead of waiting for Enter")
	flag.BoolVar(&opt.debug, "debug", false, "Enable debug logging")
	flag.Parse()

	if strings.TrimSpace(opt.server) == "" {
		fmt.Fprintln(os.Stderr, "--server is required (or set VOXCALC_SERVER)")
		return 2
	}
	if opt.frameMS <= 0 {
		fmt.Fprintln(os.Stderr, "--mic-frame-ms must be > 0")
		return 2
	}

	level := slog.LevelInfo
	if opt.debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctrl, err := engine.New(engine.Dependencies{
		Dial: func(ctx context.Context) (engine.Transport, error) {
			if strings.TrimSpace(opt.apiKey) == "" {
				return nil, fmt.Errorf("missing credential: set VOXCALC_API_KEY or --api-key")
			}
			return transport.Dial(ctx, transport.Config{
				URL:           opt.server,
				APIKey:        opt.apiKey,
				Model:         opt.model,
				ClientName:    "voxcalc",
				ClientVersion: clientVersion,
				Logger:        logger,
			})
		},
		OpenInput: func() (engine.InputDevice, error) {
			return audio.OpenMicrophone(protocol.CaptureSampleRateHz, protocol.ChannelsMono, opt.frameMS)
		},
		OpenOutput: func() (engine.OutputDevice, error) {
			return audio.OpenSpeaker(protocol.PlaybackSampleRateHz, protocol.ChannelsMono)
		},
		OnUpdate: renderSnapshot,
		Logger:   logger,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "init engine:", err)
		return 1
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		ctrl.Run(ctx)
	}()

	if opt.autostart {
		ctrl.Connect()
	}

	fmt.Fprintln(os.Stderr, "voxcalc ready: Enter toggles the session, r resets, q quits")
	go readIntents(ctx, ctrl, stop)

	<-done
	return 0
}

// readIntents maps terminal input to presentation intents.
func readIntents(ctx context.Context, ctrl *engine.Controller, quit context.CancelFunc) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		switch strings.TrimSpace(scanner.Text()) {
		case "":
			ctrl.ToggleConnection()
		case "r":
			ctrl.ManualReset()
		case "q":
			quit()
			return
		}
	}
}

func renderSnapshot(snap engine.Snapshot) {
	expr := snap.Expression
	if expr == "" {
		expr = "…"
	}
	result := snap.Result
	if result == "" {
		result = "—"
	}
	fmt.Printf("[%s] %s = %s\n", snap.State, expr, result)
	if len(snap.History) > 0 {
		head := snap.History[0]
		fmt.Printf("  last: %s = %s (%s)\n", head.Expression, head.Result, head.At.Format(time.Kitchen))
	}
}
