// Package playback schedules synthesized speech fragments onto an output
// device timeline. Fragments arrive asynchronously and at irregular sizes;
// the scheduler guarantees back-to-back playback with no overlaps and no
// scheduling in the past.
package playback

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrMalformedFragment marks a fragment that cannot be interpreted as
// pcm_s16le audio. Such fragments are dropped without advancing the timeline.
var ErrMalformedFragment = errors.New("playback: malformed audio fragment")

// Output is the playback device. It exposes a monotonic device clock and
// accepts buffers scheduled at absolute future device times.
type Output interface {
	// Now returns the current device-clock time.
	Now() time.Duration
	// ScheduleAt begins playing pcm at the given device time and returns a
	// handle whose Done channel closes when playback ends.
	ScheduleAt(pcm []byte, at time.Duration) (Handle, error)
}

// Handle is one in-flight scheduled buffer.
type Handle interface {
	Stop()
	Done() <-chan struct{}
}

// Config tunes the scheduler to the negotiated output format.
type Config struct {
	SampleRateHz   int
	Channels       int
	BytesPerSample int
	Logger         *slog.Logger
}

// Scheduler owns the playback timeline cursor and the set of in-flight
// handles. Safe for use from a single feeding goroutine plus concurrent Stop.
type Scheduler struct {
	out Output
	cfg Config
	log *slog.Logger

	mu     sync.Mutex
	next   time.Duration
	active map[uuid.UUID]Handle
}

func NewScheduler(out Output, cfg Config) *Scheduler {
	if cfg.SampleRateHz <= 0 {
		cfg.SampleRateHz = 24000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.BytesPerSample <= 0 {
		cfg.BytesPerSample = 2
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		out:    out,
		cfg:    cfg,
		log:    cfg.Logger,
		active: make(map[uuid.UUID]Handle),
	}
}

// Duration reports the playback duration of a pcm buffer in the configured
// format.
func (s *Scheduler) Duration(pcm []byte) time.Duration {
	bytesPerSecond := s.cfg.SampleRateHz * s.cfg.Channels * s.cfg.BytesPerSample
	if bytesPerSecond <= 0 || len(pcm) == 0 {
		return 0
	}
	return time.Duration(len(pcm)) * time.Second / time.Duration(bytesPerSecond)
}

// Enqueue decodes one fragment and schedules it at
// max(timeline cursor, device now). The handle joins the active set before
// Enqueue returns and leaves it when playback ends. A malformed fragment is
// dropped without advancing the cursor.
func (s *Scheduler) Enqueue(pcm []byte) error {
	frameBytes := s.cfg.Channels * s.cfg.BytesPerSample
	if len(pcm) == 0 || len(pcm)%frameBytes != 0 {
		s.log.Warn("dropping malformed audio fragment", "bytes", len(pcm))
		return ErrMalformedFragment
	}
	dur := s.Duration(pcm)

	s.mu.Lock()
	startAt := s.next
	if now := s.out.Now(); now > startAt {
		startAt = now
	}
	handle, err := s.out.ScheduleAt(pcm, startAt)
	if err != nil {
		s.mu.Unlock()
		s.log.Warn("output device refused buffer", "error", err)
		return err
	}
	id := uuid.New()
	s.active[id] = handle
	s.next = startAt + dur
	s.mu.Unlock()

	go func() {
		<-handle.Done()
		s.mu.Lock()
		delete(s.active, id)
		s.mu.Unlock()
	}()
	return nil
}

// Stop hard-stops every in-flight handle, clears the active set, and rewinds
// the timeline cursor for the next session. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	handles := make([]Handle, 0, len(s.active))
	for _, h := range s.active {
		handles = append(handles, h)
	}
	s.active = make(map[uuid.UUID]Handle)
	s.next = 0
	s.mu.Unlock()

	for _, h := range handles {
		h.Stop()
	}
}

// ActiveCount reports the number of in-flight handles.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// NextStart exposes the timeline cursor.
func (s *Scheduler) NextStart() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}
