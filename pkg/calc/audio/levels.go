package audio

import "sync"

// Level is one reading of the microphone analysis tap.
type Level struct {
	RMS  float64
	Peak float64
}

// LevelMeter is the frequency/amplitude analysis tap consumed by the
// visualization surface. Updates come from the capture pump; reads come from
// the presentation loop. It never blocks the send path beyond a brief mutex.
type LevelMeter struct {
	mu    sync.Mutex
	level Level
}

func NewLevelMeter() *LevelMeter {
	return &LevelMeter{}
}

// UpdatePCM16 records the level of one captured frame.
func (m *LevelMeter) UpdatePCM16(pcm []byte) {
	rms, peak := pcm16Stats(pcm)
	m.mu.Lock()
	m.level = Level{RMS: rms, Peak: peak}
	m.mu.Unlock()
}

// Snapshot returns the most recent reading.
func (m *LevelMeter) Snapshot() Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// Reset clears the reading, for session teardown.
func (m *LevelMeter) Reset() {
	m.mu.Lock()
	m.level = Level{}
	m.mu.Unlock()
}
