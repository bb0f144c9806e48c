package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxcalc/voxcalc/pkg/calc/audio"
	"github.com/voxcalc/voxcalc/pkg/calc/playback"
	"github.com/voxcalc/voxcalc/pkg/calc/protocol"
	"github.com/voxcalc/voxcalc/pkg/calc/transport"
)

// Transport is the open session to the remote agent, as the engine sees it.
// *transport.Session satisfies it.
type Transport interface {
	Events() <-chan transport.Event
	SendAudioFrame(pcm []byte) error
	SendToolResponses(responses []protocol.ToolResponse) error
	Close() error
}

// OutputDevice is the playback device plus its release path.
type OutputDevice interface {
	playback.Output
	Close() error
}

// Dependencies wires the controller to its collaborators. Dial, OpenInput and
// OpenOutput are invoked per connection attempt so every session gets fresh
// resources.
type Dependencies struct {
	Dial       func(ctx context.Context) (Transport, error)
	OpenInput  func() (InputDevice, error)
	OpenOutput func() (OutputDevice, error)

	// OnUpdate receives a snapshot after every state transition. Called from
	// the controller loop; must not block.
	OnUpdate func(Snapshot)

	Logger       *slog.Logger
	Now          func() time.Time
	HistoryLimit int
}

type command int

const (
	cmdConnect command = iota
	cmdStop
	cmdToggle
	cmdReset
)

type connectResult struct {
	session Transport
	input   InputDevice
	err     error
}

// Controller is the session lifecycle root. It owns the connect/disconnect
// state machine, routes every inbound message by kind, and is the only
// component with error-recovery authority. All mutation happens on the Run
// loop.
type Controller struct {
	deps Dependencies
	log  *slog.Logger
	now  func() time.Time

	cmds           chan command
	connectResults chan connectResult

	// Loop-owned state. Never touched outside Run.
	state      ConnectionState
	session    Transport
	events     <-chan transport.Event
	input      InputDevice
	output     OutputDevice
	sched      *playback.Scheduler
	capture    *capturePipeline
	transcript transcriptAccumulator
	result     string
	history    *historyLog

	connectPending   bool
	stopAfterConnect bool

	levels *audio.LevelMeter

	snapMu sync.RWMutex
	snap   Snapshot
}

func New(deps Dependencies) (*Controller, error) {
	if deps.Dial == nil {
		return nil, fmt.Errorf("engine: Dial is required")
	}
	if deps.OpenInput == nil {
		return nil, fmt.Errorf("engine: OpenInput is required")
	}
	if deps.OpenOutput == nil {
		return nil, fmt.Errorf("engine: OpenOutput is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.HistoryLimit <= 0 {
		deps.HistoryLimit = defaultHistoryLimit
	}

	c := &Controller{
		deps:           deps,
		log:            deps.Logger,
		now:            deps.Now,
		cmds:           make(chan command, 16),
		connectResults: make(chan connectResult, 1),
		state:          StateDisconnected,
		history:        newHistoryLog(deps.HistoryLimit),
		levels:         audio.NewLevelMeter(),
	}
	c.snap = Snapshot{State: StateDisconnected}
	return c, nil
}

// Connect begins a connection attempt. No-op unless currently disconnected.
func (c *Controller) Connect() { c.cmds <- cmdConnect }

// Stop tears the session down. Idempotent, safe from any state, honored even
// while a connect is still resolving.
func (c *Controller) Stop() { c.cmds <- cmdStop }

// ToggleConnection connects when disconnected and stops otherwise.
func (c *Controller) ToggleConnection() { c.cmds <- cmdToggle }

// ManualReset clears the local display and history without touching any open
// session.
func (c *Controller) ManualReset() { c.cmds <- cmdReset }

// Snapshot returns the latest published view.
func (c *Controller) Snapshot() Snapshot {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snap
}

// Levels returns the live microphone analysis tap for visualization.
func (c *Controller) Levels() *audio.LevelMeter { return c.levels }

// Run drives the controller until ctx is canceled. All state transitions
// happen here; each handler fully applies its transition before the next
// message is taken.
func (c *Controller) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.teardown()
			return
		case cmd := <-c.cmds:
			c.handleCommand(ctx, cmd)
		case res := <-c.connectResults:
			c.finishConnect(res)
		case ev, ok := <-c.events:
			if !ok {
				c.events = nil
				if c.state == StateConnected {
					c.log.Warn("transport stream ended unexpectedly")
					c.enterError()
				}
				continue
			}
			c.routeEvent(ev)
		}
	}
}

func (c *Controller) handleCommand(ctx context.Context, cmd command) {
	switch cmd {
	case cmdConnect:
		c.startConnect(ctx)
	case cmdStop:
		c.requestStop()
	case cmdToggle:
		if c.state == StateDisconnected {
			c.startConnect(ctx)
		} else {
			c.requestStop()
		}
	case cmdReset:
		c.result = ""
		c.transcript.Reset()
		c.history.clear()
		c.publish()
	}
}

func (c *Controller) startConnect(ctx context.Context) {
	if c.state != StateDisconnected {
		c.log.Debug("connect ignored", "state", c.state.String())
		return
	}
	c.state = StateConnecting
	c.connectPending = true
	c.stopAfterConnect = false
	c.publish()

	openInput := c.deps.OpenInput
	dial := c.deps.Dial
	go func() {
		input, err := openInput()
		if err != nil {
			c.connectResults <- connectResult{err: fmt.Errorf("acquire input device: %w", err)}
			return
		}
		session, err := dial(ctx)
		if err != nil {
			_ = input.Close()
			c.connectResults <- connectResult{err: fmt.Errorf("open transport: %w", err)}
			return
		}
		c.connectResults <- connectResult{session: session, input: input}
	}()
}

// finishConnect resolves the asynchronous open on the loop. A stop requested
// while the open was in flight wins: the fresh resources are released
// immediately.
func (c *Controller) finishConnect(res connectResult) {
	c.connectPending = false
	if c.stopAfterConnect || c.state != StateConnecting {
		c.stopAfterConnect = false
		if res.session != nil {
			_ = res.session.Close()
		}
		if res.input != nil {
			_ = res.input.Close()
		}
		c.teardown()
		return
	}
	if res.err != nil {
		c.log.Error("connect failed", "error", res.err)
		c.state = StateError
		c.publish()
		c.teardown()
		return
	}

	output, err := c.deps.OpenOutput()
	if err != nil {
		c.log.Error("acquire output device failed", "error", err)
		_ = res.session.Close()
		_ = res.input.Close()
		c.state = StateError
		c.publish()
		c.teardown()
		return
	}

	c.session = res.session
	c.events = res.session.Events()
	c.input = res.input
	c.output = output
	c.sched = playback.NewScheduler(output, playback.Config{
		SampleRateHz:   protocol.PlaybackSampleRateHz,
		Channels:       protocol.ChannelsMono,
		BytesPerSample: 2,
		Logger:         c.log,
	})

	c.capture = newCapturePipeline(c.levels, c.log)
	go c.capture.run(c.session.SendAudioFrame)
	if err := c.input.Start(c.capture.onFrame); err != nil {
		c.log.Error("start capture failed", "error", err)
		c.state = StateError
		c.publish()
		c.teardown()
		return
	}

	c.state = StateConnected
	c.publish()
}

func (c *Controller) requestStop() {
	if c.connectPending {
		// Honored once the in-flight open resolves.
		c.stopAfterConnect = true
		return
	}
	c.teardown()
}

// enterError surfaces the error state, then settles at disconnected after
// cleanup. Error is transient and visible, not sticky.
func (c *Controller) enterError() {
	c.state = StateError
	c.publish()
	c.teardown()
}

// teardown releases every owned resource in a fixed total order. Errors on
// the release path are logged and swallowed. Safe to call repeatedly and
// from any state.
func (c *Controller) teardown() {
	if c.capture != nil {
		c.capture.halt()
		c.capture = nil
	}
	if c.input != nil {
		if err := c.input.Close(); err != nil {
			c.log.Warn("close input device", "error", err)
		}
		c.input = nil
	}
	if c.output != nil {
		if err := c.output.Close(); err != nil {
			c.log.Warn("close output device", "error", err)
		}
		c.output = nil
	}
	if c.session != nil {
		if err := c.session.Close(); err != nil {
			c.log.Warn("close transport session", "error", err)
		}
		c.session = nil
	}
	c.events = nil
	if c.sched != nil {
		c.sched.Stop()
		c.sched = nil
	}
	c.state = StateDisconnected
	c.transcript.Reset()
	c.publish()
}

func (c *Controller) routeEvent(ev transport.Event) {
	switch ev := ev.(type) {
	case transport.OpenedEvent:
		c.log.Info("session opened", "session_id", ev.Ack.SessionID)
	case transport.TranscriptEvent:
		c.transcript.Append(ev.Text)
		c.publish()
	case transport.ToolCallEvent:
		c.dispatchToolCalls(ev.Calls)
	case transport.AudioChunkEvent:
		if c.sched != nil {
			// Malformed fragments are dropped inside the scheduler without
			// advancing the timeline; the session continues.
			_ = c.sched.Enqueue(ev.Data)
		}
	case transport.ClosedEvent:
		c.log.Info("session closed by agent", "reason", ev.Reason)
		c.teardown()
	case transport.ErrorEvent:
		c.log.Error("session error", "code", ev.Code, "message", ev.Message)
		c.enterError()
	}
}

func (c *Controller) publish() {
	snap := Snapshot{
		State:      c.state,
		Expression: c.transcript.Expression(),
		Result:     c.result,
		Finalized:  c.transcript.Finalized(),
		History:    c.history.snapshot(),
	}
	c.snapMu.Lock()
	c.snap = snap
	c.snapMu.Unlock()
	if c.deps.OnUpdate != nil {
		c.deps.OnUpdate(snap)
	}
}
