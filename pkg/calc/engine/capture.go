package engine

import (
	"log/slog"
	"sync/atomic"

	"github.com/voxcalc/voxcalc/pkg/calc/audio"
)

// InputDevice is the microphone. Start registers a frame callback that may be
// invoked from a device-owned thread; frames are fixed-size mono pcm_s16le at
// the capture sample rate.
type InputDevice interface {
	Start(onFrame func(pcm []byte)) error
	Close() error
}

// capturePipeline moves microphone frames from the device callback to the
// transport. The callback only copies and enqueues; a pump goroutine does the
// sending, so a slow wire never stalls the device thread. There is no
// backpressure for outbound audio: a full queue drops the frame.
type capturePipeline struct {
	log    *slog.Logger
	levels *audio.LevelMeter

	frames  chan []byte
	halted  chan struct{}
	done    chan struct{}
	dropped atomic.Int64
}

func newCapturePipeline(levels *audio.LevelMeter, log *slog.Logger) *capturePipeline {
	return &capturePipeline{
		log:    log,
		levels: levels,
		frames: make(chan []byte, 32),
		halted: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// onFrame is the device callback. Never blocks.
func (p *capturePipeline) onFrame(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	frame := append([]byte(nil), pcm...)
	select {
	case p.frames <- frame:
	case <-p.halted:
	default:
		if n := p.dropped.Add(1); n%100 == 1 {
			p.log.Debug("capture queue full, dropping frame", "dropped_total", n)
		}
	}
}

// run forwards frames until halted. The level tap feeds the visualization
// surface after the send so it cannot delay the wire.
func (p *capturePipeline) run(send func(pcm []byte) error) {
	defer close(p.done)
	for {
		select {
		case <-p.halted:
			return
		case frame := <-p.frames:
			if err := send(frame); err != nil {
				p.log.Debug("capture send failed", "error", err)
				return
			}
			if p.levels != nil {
				p.levels.UpdatePCM16(frame)
			}
		}
	}
}

// halt stops the pump. Idempotent-safe only through the controller loop,
// which calls it at most once per pipeline.
func (p *capturePipeline) halt() {
	close(p.halted)
	<-p.done
}
