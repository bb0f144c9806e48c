package audio

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
)

// Microphone captures mono audio via malgo and delivers fixed-size
// pcm_s16le frames through a callback. The device produces float32 samples;
// conversion to the wire format happens here, on the device thread, before
// the frame is handed off.
type Microphone struct {
	ctx        *malgo.AllocatedContext
	sampleRate int
	channels   int
	frameBytes int

	mu      sync.Mutex
	device  *malgo.Device
	pending []byte
	closed  bool
}

// OpenMicrophone acquires the audio context for the default capture device.
// The device itself starts on Start, so a failed connect attempt releases
// cleanly without ever having run the mic.
func OpenMicrophone(sampleRateHz, channels, frameMS int) (*Microphone, error) {
	if sampleRateHz <= 0 || channels <= 0 || frameMS <= 0 {
		return nil, fmt.Errorf("audio: invalid microphone config %d/%d/%dms", sampleRateHz, channels, frameMS)
	}
	ctxConfig := malgo.ContextConfig{}
	ctxConfig.ThreadPriority = malgo.ThreadPriorityRealtime
	ctx, err := malgo.InitContext(nil, ctxConfig, nil)
	if err != nil {
		return nil, fmt.Errorf("audio: init capture context: %w", err)
	}
	return &Microphone{
		ctx:        ctx,
		sampleRate: sampleRateHz,
		channels:   channels,
		frameBytes: sampleRateHz * channels * 2 * frameMS / 1000,
	}, nil
}

// Start begins capture. onFrame is invoked from the malgo device thread with
// one wire-format frame at a time; it must not block.
func (m *Microphone) Start(onFrame func(pcm []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("audio: microphone is closed")
	}
	if m.device != nil {
		return fmt.Errorf("audio: microphone already started")
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = uint32(m.channels)
	deviceConfig.SampleRate = uint32(m.sampleRate)
	deviceConfig.PeriodSizeInMilliseconds = 20

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			m.onData(input, onFrame)
		},
	}

	device, err := malgo.InitDevice(m.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return fmt.Errorf("audio: init capture device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("audio: start capture device: %w", err)
	}
	m.device = device
	return nil
}

func (m *Microphone) onData(input []byte, onFrame func(pcm []byte)) {
	pcm := Float32LEToPCM16LE(input)

	m.mu.Lock()
	m.pending = append(m.pending, pcm...)
	var frames [][]byte
	for len(m.pending) >= m.frameBytes {
		frame := append([]byte(nil), m.pending[:m.frameBytes]...)
		m.pending = m.pending[m.frameBytes:]
		frames = append(frames, frame)
	}
	m.mu.Unlock()

	for _, frame := range frames {
		onFrame(frame)
	}
}

// Close stops the device and releases the capture context. Safe to
// call more than once.
func (m *Microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.device != nil {
		_ = m.device.Stop()
		m.device.Uninit()
		m.device = nil
	}
	if m.ctx != nil {
		_ = m.ctx.Uninit()
		m.ctx.Free()
		m.ctx = nil
	}
	m.pending = nil
	return nil
}
