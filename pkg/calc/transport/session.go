// Package transport owns the bidirectional websocket session to the remote
// calculator agent. It performs the hello handshake, decodes inbound frames
// into typed events delivered in arrival order, and serializes all outbound
// writes through a single writer goroutine.
package transport

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voxcalc/voxcalc/pkg/calc/protocol"
)

const (
	defaultHandshakeTimeout  = 15 * time.Second
	defaultWriteTimeout      = 5 * time.Second
	defaultPingInterval      = 20 * time.Second
	defaultOutboundQueueSize = 128
)

var (
	ErrClosed        = errors.New("transport: session is closed")
	ErrToolQueueFull = errors.New("transport: outbound queue full for tool responses")
)

// Config configures a Dial.
type Config struct {
	// URL is the ws:// or wss:// endpoint of the agent.
	URL string
	// APIKey authenticates the hello. Required by the agent.
	APIKey string
	// Model selects the remote agent model.
	Model string

	ClientName    string
	ClientVersion string

	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	PingInterval      time.Duration
	OutboundQueueSize int

	Logger *slog.Logger

	// Dialer overrides the websocket dialer, for tests.
	Dialer *websocket.Dialer
}

// Event is one inbound message from the agent, already decoded.
type Event interface {
	eventType() string
}

// OpenedEvent reports the handshake acknowledgement. It is always the first
// event on the channel.
type OpenedEvent struct {
	Ack protocol.ServerHelloAck
}

func (OpenedEvent) eventType() string { return "opened" }

// TranscriptEvent carries one partial-transcription fragment.
type TranscriptEvent struct {
	Text string
}

func (TranscriptEvent) eventType() string { return "transcript" }

// ToolCallEvent carries one atomic batch of tool calls.
type ToolCallEvent struct {
	Calls []protocol.ToolCall
}

func (ToolCallEvent) eventType() string { return "tool_call" }

// AudioChunkEvent carries decoded pcm_s16le synthesized speech bytes.
type AudioChunkEvent struct {
	Seq  int64
	Data []byte
}

func (AudioChunkEvent) eventType() string { return "audio_chunk" }

// ClosedEvent reports an orderly session end initiated by the agent.
type ClosedEvent struct {
	Reason string
}

func (ClosedEvent) eventType() string { return "closed" }

// ErrorEvent reports a session-error frame or a transport read failure.
type ErrorEvent struct {
	Code    string
	Message string
}

func (ErrorEvent) eventType() string { return "error" }

// Session is one open connection to the agent. Create with Dial.
type Session struct {
	conn *websocket.Conn
	cfg  Config
	log  *slog.Logger
	ack  protocol.ServerHelloAck

	events   chan Event
	outbound chan []byte
	closing  chan struct{}
	done     chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool

	audioSeq      atomic.Int64
	droppedFrames atomic.Int64

	errMu sync.Mutex
	err   error
}

// Dial connects, performs the hello/hello_ack handshake, and starts the read
// and write loops. The returned session's Events channel begins with an
// OpenedEvent and is closed when the session ends for any reason.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("transport: url is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("transport: model is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.OutboundQueueSize <= 0 {
		cfg.OutboundQueueSize = defaultOutboundQueueSize
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, _, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", cfg.URL, err)
	}

	ack, err := handshake(conn, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	s := &Session{
		conn:     conn,
		cfg:      cfg,
		log:      cfg.Logger,
		ack:      ack,
		events:   make(chan Event, 64),
		outbound: make(chan []byte, cfg.OutboundQueueSize),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.events <- OpenedEvent{Ack: ack}

	go s.writeLoop()
	go s.readLoop()
	return s, nil
}

func handshake(conn *websocket.Conn, cfg Config) (protocol.ServerHelloAck, error) {
	var zero protocol.ServerHelloAck

	hello := protocol.ClientHello{
		Type:            "hello",
		ProtocolVersion: protocol.ProtocolVersion1,
		Client: protocol.HelloClient{
			Name:       cfg.ClientName,
			Version:    cfg.ClientVersion,
			InstanceID: uuid.NewString(),
		},
		Model: strings.TrimSpace(cfg.Model),
		AudioIn: protocol.AudioFormat{
			Encoding:     protocol.EncodingPCM16LE,
			SampleRateHz: protocol.CaptureSampleRateHz,
			Channels:     protocol.ChannelsMono,
		},
		AudioOut: protocol.AudioFormat{
			Encoding:     protocol.EncodingPCM16LE,
			SampleRateHz: protocol.PlaybackSampleRateHz,
			Channels:     protocol.ChannelsMono,
		},
	}
	if strings.TrimSpace(cfg.APIKey) != "" {
		hello.Auth = &protocol.HelloAuth{APIKey: strings.TrimSpace(cfg.APIKey)}
	}
	if err := protocol.ValidateHello(hello); err != nil {
		return zero, fmt.Errorf("transport: invalid hello: %w", err)
	}

	deadline := time.Now().Add(cfg.HandshakeTimeout)
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return zero, fmt.Errorf("transport: handshake write deadline: %w", err)
	}
	if err := conn.WriteJSON(hello); err != nil {
		return zero, fmt.Errorf("transport: send hello: %w", err)
	}

	if err := conn.SetReadDeadline(deadline); err != nil {
		return zero, fmt.Errorf("transport: handshake read deadline: %w", err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return zero, fmt.Errorf("transport: await hello_ack: %w", err)
	}
	decoded, err := protocol.DecodeServerMessage(data)
	if err != nil {
		return zero, fmt.Errorf("transport: decode handshake reply: %w", err)
	}
	switch msg := decoded.(type) {
	case protocol.ServerHelloAck:
		_ = conn.SetReadDeadline(time.Time{})
		return msg, nil
	case protocol.ServerError:
		return zero, fmt.Errorf("transport: agent rejected hello: %s: %s", msg.Code, msg.Message)
	default:
		return zero, fmt.Errorf("transport: unexpected handshake reply %T", decoded)
	}
}

// Ack returns the handshake acknowledgement.
func (s *Session) Ack() protocol.ServerHelloAck {
	return s.ack
}

// Events yields inbound events in the order the agent delivered them. The
// channel is closed once the read loop exits.
func (s *Session) Events() <-chan Event {
	if s == nil {
		return nil
	}
	return s.events
}

// SendAudioFrame forwards one captured microphone frame. There is no
// backpressure for outbound audio: when the queue is full the frame is
// dropped and counted, never blocked on.
func (s *Session) SendAudioFrame(pcm []byte) error {
	if s == nil || s.closed.Load() {
		return ErrClosed
	}
	if len(pcm) == 0 {
		return nil
	}
	frame := protocol.ClientAudioFrame{
		Type:    "audio_frame",
		Seq:     s.audioSeq.Add(1),
		DataB64: base64.StdEncoding.EncodeToString(pcm),
	}
	payload, err := marshalFrame(frame)
	if err != nil {
		return err
	}
	select {
	case s.outbound <- payload:
	default:
		if n := s.droppedFrames.Add(1); n%100 == 1 {
			s.log.Debug("outbound audio queue full, dropping frame", "dropped_total", n)
		}
	}
	return nil
}

// SendToolResponses sends the full acknowledgement batch for one tool_call
// message. Unlike audio, tool responses must not be dropped; this blocks up
// to the write timeout for queue space.
func (s *Session) SendToolResponses(responses []protocol.ToolResponse) error {
	if s == nil || s.closed.Load() {
		return ErrClosed
	}
	batch := protocol.ClientToolResponseBatch{Type: "tool_response", Responses: responses}
	payload, err := marshalFrame(batch)
	if err != nil {
		return err
	}
	timer := time.NewTimer(s.cfg.WriteTimeout)
	defer timer.Stop()
	select {
	case s.outbound <- payload:
		return nil
	case <-s.done:
		return ErrClosed
	case <-timer.C:
		return ErrToolQueueFull
	}
}

// DroppedFrames reports how many outbound audio frames were discarded because
// the queue was full.
func (s *Session) DroppedFrames() int64 {
	if s == nil {
		return 0
	}
	return s.droppedFrames.Load()
}

// Close shuts the session down. Safe to call more than once and concurrently
// with in-flight sends.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.closing)
		deadline := time.Now().Add(2 * time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = s.conn.Close()
	})
	<-s.done
	return nil
}

// Err returns the terminal session error, if any, once the session has ended.
func (s *Session) Err() error {
	if s == nil {
		return nil
	}
	<-s.done
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Session) setErr(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *Session) readLoop() {
	defer close(s.done)
	defer close(s.events)

	var pendingHeader *protocol.ServerAudioChunkHeader

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closed.Load() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.emit(ClosedEvent{Reason: "remote close"})
				return
			}
			s.setErr(err)
			s.emit(ErrorEvent{Code: "transport_error", Message: err.Error()})
			return
		}

		switch messageType {
		case websocket.TextMessage:
			if done := s.handleTextFrame(data, &pendingHeader); done {
				return
			}
		case websocket.BinaryMessage:
			if pendingHeader == nil {
				s.log.Debug("binary frame without audio_chunk_header, skipping", "bytes", len(data))
				continue
			}
			s.emit(AudioChunkEvent{
				Seq:  pendingHeader.Seq,
				Data: append([]byte(nil), data...),
			})
			pendingHeader = nil
		default:
			continue
		}
	}
}

// handleTextFrame decodes and dispatches one text frame. It reports true when
// the read loop should stop.
func (s *Session) handleTextFrame(data []byte, pendingHeader **protocol.ServerAudioChunkHeader) bool {
	decoded, err := protocol.DecodeServerMessage(data)
	if err != nil {
		s.setErr(err)
		s.emit(ErrorEvent{Code: "bad_frame", Message: err.Error()})
		return true
	}

	switch msg := decoded.(type) {
	case protocol.ServerTranscriptDelta:
		s.emit(TranscriptEvent{Text: msg.Text})
	case protocol.ServerToolCall:
		s.emit(ToolCallEvent{Calls: msg.Calls})
	case protocol.ServerAudioChunk:
		audio, err := base64.StdEncoding.DecodeString(msg.DataB64)
		if err != nil {
			// A single undecodable chunk is dropped, not fatal.
			s.log.Warn("dropping undecodable audio chunk", "seq", msg.Seq, "error", err)
			return false
		}
		s.emit(AudioChunkEvent{Seq: msg.Seq, Data: audio})
	case protocol.ServerAudioChunkHeader:
		*pendingHeader = &msg
	case protocol.ServerSessionEnd:
		s.emit(ClosedEvent{Reason: msg.Reason})
		return true
	case protocol.ServerError:
		s.emit(ErrorEvent{Code: msg.Code, Message: msg.Message})
		if msg.Close {
			s.setErr(fmt.Errorf("transport: agent error %s: %s", msg.Code, msg.Message))
			return true
		}
	case protocol.ServerHelloAck:
		s.log.Debug("duplicate hello_ack ignored", "session_id", msg.SessionID)
	case protocol.UnknownFrame:
		s.log.Debug("ignoring unknown server frame", "frame_type", msg.Type)
	}
	return false
}

// emit delivers in FIFO order. Transcript fragments and tool batches must be
// seen in delivery order, so this blocks rather than drops; the consumer is
// the engine loop, which always drains. A concurrent Close unblocks it.
func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.closing:
	}
}
