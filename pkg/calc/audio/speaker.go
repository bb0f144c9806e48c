package audio

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/voxcalc/voxcalc/pkg/calc/playback"
)

// oto allows a single context per process, so the context is shared across
// sessions; Close suspends it and the next OpenSpeaker resumes it.
var (
	otoOnce  sync.Once
	otoCtx   *oto.Context
	otoErr   error
	otoEpoch time.Time
)

func sharedOtoContext(sampleRateHz, channels int) (*oto.Context, error) {
	otoOnce.Do(func() {
		opts := &oto.NewContextOptions{
			SampleRate:   sampleRateHz,
			ChannelCount: channels,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   50 * time.Millisecond,
		}
		ctx, ready, err := oto.NewContext(opts)
		if err != nil {
			otoErr = fmt.Errorf("audio: init playback context: %w", err)
			return
		}
		<-ready
		otoCtx = ctx
		otoEpoch = time.Now()
	})
	return otoCtx, otoErr
}

// Speaker plays scheduled pcm_s16le buffers through oto. It satisfies the
// scheduler's Output contract: a monotonic device clock plus absolute-time
// scheduling with completion notification.
type Speaker struct {
	ctx   *oto.Context
	epoch time.Time

	mu     sync.Mutex
	closed bool
}

func OpenSpeaker(sampleRateHz, channels int) (*Speaker, error) {
	ctx, err := sharedOtoContext(sampleRateHz, channels)
	if err != nil {
		return nil, err
	}
	if err := ctx.Resume(); err != nil {
		return nil, fmt.Errorf("audio: resume playback context: %w", err)
	}
	return &Speaker{ctx: ctx, epoch: otoEpoch}, nil
}

// Now returns the device clock: time since the playback context came up.
func (s *Speaker) Now() time.Duration {
	return time.Since(s.epoch)
}

// ScheduleAt starts playback of pcm at the given device time. The returned
// handle's Done channel closes when the buffer finishes or is stopped.
func (s *Speaker) ScheduleAt(pcm []byte, at time.Duration) (playback.Handle, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("audio: speaker is closed")
	}
	h := &speakerHandle{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go s.play(pcm, at, h)
	return h, nil
}

func (s *Speaker) play(pcm []byte, at time.Duration, h *speakerHandle) {
	defer close(h.done)

	if delay := at - s.Now(); delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-h.stop:
			return
		}
	}

	player := s.ctx.NewPlayer(bytes.NewReader(pcm))
	player.Play()
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			_ = player.Close()
			return
		case <-ticker.C:
			if !player.IsPlaying() {
				_ = player.Close()
				return
			}
		}
	}
}

// Close suspends the shared playback context. In-flight handles are stopped
// by the scheduler, not here.
func (s *Speaker) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.ctx.Suspend()
}

type speakerHandle struct {
	once sync.Once
	stop chan struct{}
	done chan struct{}
}

func (h *speakerHandle) Stop() {
	h.once.Do(func() { close(h.stop) })
}

func (h *speakerHandle) Done() <-chan struct{} {
	return h.done
}
