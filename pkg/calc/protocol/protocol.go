// Package protocol defines the JSON wire protocol between the voxcalc client
// and the conversational calculator agent. All frames are JSON text messages
// carrying a "type" envelope field; assistant audio may alternatively arrive
// as an audio_chunk_header text frame followed by one binary frame.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	ProtocolVersion1 = "1"

	EncodingPCM16LE = "pcm_s16le"

	CaptureSampleRateHz  = 16000
	PlaybackSampleRateHz = 24000
	ChannelsMono         = 1
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badFrame(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_frame", Message: message, Param: param}
}

// AudioFormat describes one direction of the negotiated audio shape.
type AudioFormat struct {
	Encoding     string `json:"encoding"`
	SampleRateHz int    `json:"sample_rate_hz"`
	Channels     int    `json:"channels"`
}

type HelloClient struct {
	Name       string `json:"name,omitempty"`
	Version    string `json:"version,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`
}

type HelloAuth struct {
	APIKey string `json:"api_key,omitempty"`
}

type ClientHello struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	Client          HelloClient `json:"client,omitempty"`
	Auth            *HelloAuth  `json:"auth,omitempty"`
	Model           string      `json:"model"`
	AudioIn         AudioFormat `json:"audio_in"`
	AudioOut        AudioFormat `json:"audio_out"`
}

// RedactedForLog returns a loggable view of the hello without the API key.
func (h ClientHello) RedactedForLog() map[string]any {
	return map[string]any{
		"type":             h.Type,
		"protocol_version": h.ProtocolVersion,
		"model":            h.Model,
		"audio_in":         h.AudioIn,
		"audio_out":        h.AudioOut,
		"has_api_key":      h.Auth != nil && strings.TrimSpace(h.Auth.APIKey) != "",
	}
}

func ValidateHello(msg ClientHello) error {
	if strings.TrimSpace(msg.ProtocolVersion) == "" {
		return badFrame("hello.protocol_version is required", "protocol_version")
	}
	if strings.TrimSpace(msg.Model) == "" {
		return badFrame("hello.model is required", "model")
	}
	for _, dir := range []struct {
		name   string
		format AudioFormat
	}{
		{"audio_in", msg.AudioIn},
		{"audio_out", msg.AudioOut},
	} {
		if strings.TrimSpace(dir.format.Encoding) == "" {
			return badFrame("hello."+dir.name+".encoding is required", dir.name+".encoding")
		}
		if dir.format.SampleRateHz <= 0 {
			return badFrame("hello."+dir.name+".sample_rate_hz must be > 0", dir.name+".sample_rate_hz")
		}
		if dir.format.Channels <= 0 {
			return badFrame("hello."+dir.name+".channels must be > 0", dir.name+".channels")
		}
	}
	return nil
}

// ClientAudioFrame carries one captured microphone frame, base64 pcm_s16le.
type ClientAudioFrame struct {
	Type    string `json:"type"`
	Seq     int64  `json:"seq,omitempty"`
	DataB64 string `json:"data_b64"`
}

// ToolResult is the success marker carried by every tool acknowledgement.
type ToolResult struct {
	Success bool `json:"success"`
}

// ToolResponse acknowledges exactly one tool call by id and name.
type ToolResponse struct {
	ID     string     `json:"id"`
	Name   string     `json:"name"`
	Result ToolResult `json:"result"`
}

// ClientToolResponseBatch replies to one inbound tool_call batch as a single
// outbound message. Every call in the batch must be answered here.
type ClientToolResponseBatch struct {
	Type      string         `json:"type"`
	Responses []ToolResponse `json:"responses"`
}

type ServerHelloAck struct {
	Type      string      `json:"type"`
	SessionID string      `json:"session_id"`
	AudioIn   AudioFormat `json:"audio_in"`
	AudioOut  AudioFormat `json:"audio_out"`
}

// ServerTranscriptDelta is one partial-transcription fragment of the current
// inbound utterance. The protocol carries no utterance id; utterance
// boundaries are inferred client-side.
type ServerTranscriptDelta struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolCall is one structured function invocation from the agent.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// ServerToolCall delivers one or more tool calls atomically.
type ServerToolCall struct {
	Type  string     `json:"type"`
	Calls []ToolCall `json:"calls"`
}

type ServerAudioChunk struct {
	Type    string `json:"type"`
	Seq     int64  `json:"seq"`
	DataB64 string `json:"data_b64"`
}

// ServerAudioChunkHeader announces one binary websocket frame of pcm_s16le
// that immediately follows this text frame.
type ServerAudioChunkHeader struct {
	Type  string `json:"type"`
	Seq   int64  `json:"seq"`
	Bytes int    `json:"bytes"`
}

type ServerSessionEnd struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

type ServerError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Close   bool   `json:"close,omitempty"`
}

// UnknownFrame preserves server frames this client version does not recognize.
type UnknownFrame struct {
	Type string
	Raw  json.RawMessage
}

// DecodeServerMessage decodes one server text frame into its typed struct.
// Unrecognized types decode to UnknownFrame so callers can skip them without
// tearing the session down.
func DecodeServerMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badFrame("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badFrame("missing type", "type")
	}

	switch typ {
	case "hello_ack":
		var msg ServerHelloAck
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid hello_ack", "")
		}
		if strings.TrimSpace(msg.SessionID) == "" {
			return nil, badFrame("hello_ack.session_id is required", "session_id")
		}
		return msg, nil
	case "transcript_delta":
		var msg ServerTranscriptDelta
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid transcript_delta", "")
		}
		return msg, nil
	case "tool_call":
		var msg ServerToolCall
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid tool_call", "")
		}
		if len(msg.Calls) == 0 {
			return nil, badFrame("tool_call.calls must be non-empty", "calls")
		}
		for i, call := range msg.Calls {
			if strings.TrimSpace(call.ID) == "" {
				return nil, badFrame("tool_call.calls entries require an id", fmt.Sprintf("calls[%d].id", i))
			}
			if strings.TrimSpace(call.Name) == "" {
				return nil, badFrame("tool_call.calls entries require a name", fmt.Sprintf("calls[%d].name", i))
			}
		}
		return msg, nil
	case "audio_chunk":
		var msg ServerAudioChunk
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid audio_chunk", "")
		}
		if strings.TrimSpace(msg.DataB64) == "" {
			return nil, badFrame("audio_chunk.data_b64 is required", "data_b64")
		}
		return msg, nil
	case "audio_chunk_header":
		var msg ServerAudioChunkHeader
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid audio_chunk_header", "")
		}
		if msg.Bytes <= 0 {
			return nil, badFrame("audio_chunk_header.bytes must be > 0", "bytes")
		}
		return msg, nil
	case "session_end":
		var msg ServerSessionEnd
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid session_end", "")
		}
		return msg, nil
	case "error":
		var msg ServerError
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badFrame("invalid error frame", "")
		}
		return msg, nil
	default:
		return UnknownFrame{Type: typ, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}
