package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxcalc/voxcalc/pkg/calc/protocol"
)

var testUpgrader = websocket.Upgrader{}

// newAgentServer runs a fake agent that answers the handshake, hands the
// connection to script, then drains until the client hangs up.
func newAgentServer(t *testing.T, script func(t *testing.T, conn *websocket.Conn)) string {
	t.Helper()
	return newRawAgentServer(t, func(t *testing.T, conn *websocket.Conn) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Errorf("read hello: %v", err)
			return
		}
		var hello protocol.ClientHello
		if err := json.Unmarshal(data, &hello); err != nil {
			t.Errorf("decode hello: %v", err)
			return
		}
		if err := protocol.ValidateHello(hello); err != nil {
			t.Errorf("invalid hello: %v", err)
			return
		}
		ack := protocol.ServerHelloAck{
			Type:      "hello_ack",
			SessionID: "s_test",
			AudioIn:   hello.AudioIn,
			AudioOut:  hello.AudioOut,
		}
		if err := conn.WriteJSON(ack); err != nil {
			t.Errorf("send hello_ack: %v", err)
			return
		}
		if script != nil {
			script(t, conn)
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
}

// newRawAgentServer gives the script the connection straight after upgrade,
// for exercising the handshake itself.
func newRawAgentServer(t *testing.T, script func(t *testing.T, conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		script(t, conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialTest(t *testing.T, url string) *Session {
	t.Helper()
	sess, err := Dial(context.Background(), Config{
		URL:           url,
		APIKey:        "test-key",
		Model:         "calc-live-1",
		ClientName:    "voxcalc-test",
		ClientVersion: "0.0.0",
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

func nextEvent(t *testing.T, sess *Session) Event {
	t.Helper()
	select {
	case ev, ok := <-sess.Events():
		if !ok {
			t.Fatal("events channel closed early")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestDial_HandshakeDeliversOpenedFirst(t *testing.T) {
	t.Parallel()
	var gotHello protocol.ClientHello
	url := newRawAgentServer(t, func(t *testing.T, conn *websocket.Conn) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Errorf("read hello: %v", err)
			return
		}
		if err := json.Unmarshal(data, &gotHello); err != nil {
			t.Errorf("decode hello: %v", err)
			return
		}
		_ = conn.WriteJSON(protocol.ServerHelloAck{
			Type: "hello_ack", SessionID: "s_42",
			AudioIn:  gotHello.AudioIn,
			AudioOut: gotHello.AudioOut,
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	sess := dialTest(t, url)

	opened, ok := nextEvent(t, sess).(OpenedEvent)
	if !ok {
		t.Fatal("first event is not OpenedEvent")
	}
	if opened.Ack.SessionID != "s_42" {
		t.Fatalf("SessionID=%q", opened.Ack.SessionID)
	}
	if sess.Ack().SessionID != "s_42" {
		t.Fatalf("Ack().SessionID=%q", sess.Ack().SessionID)
	}

	if gotHello.Model != "calc-live-1" {
		t.Fatalf("hello.model=%q", gotHello.Model)
	}
	if gotHello.Auth == nil || gotHello.Auth.APIKey != "test-key" {
		t.Fatal("hello did not carry the api key")
	}
	if gotHello.AudioIn.SampleRateHz != protocol.CaptureSampleRateHz ||
		gotHello.AudioOut.SampleRateHz != protocol.PlaybackSampleRateHz {
		t.Fatalf("hello audio formats %+v / %+v", gotHello.AudioIn, gotHello.AudioOut)
	}
	if gotHello.Client.InstanceID == "" {
		t.Fatal("hello.client.instance_id is empty")
	}
}

func TestDial_AgentRejection(t *testing.T) {
	t.Parallel()
	url := newRawAgentServer(t, func(t *testing.T, conn *websocket.Conn) {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.WriteJSON(protocol.ServerError{
			Type: "error", Code: "unauthorized", Message: "bad key",
		})
	})

	_, err := Dial(context.Background(), Config{URL: url, APIKey: "wrong", Model: "calc-live-1"})
	if err == nil {
		t.Fatal("Dial succeeded against rejecting agent")
	}
	if !strings.Contains(err.Error(), "unauthorized") {
		t.Fatalf("error %q does not carry the agent code", err)
	}
}

func TestDial_ConfigValidation(t *testing.T) {
	t.Parallel()
	if _, err := Dial(context.Background(), Config{Model: "m"}); err == nil {
		t.Fatal("Dial accepted empty url")
	}
	if _, err := Dial(context.Background(), Config{URL: "ws://example.invalid"}); err == nil {
		t.Fatal("Dial accepted empty model")
	}
}

func TestSession_EventsArriveInOrder(t *testing.T) {
	t.Parallel()
	speech := []byte{1, 2, 3, 4}
	url := newAgentServer(t, func(t *testing.T, conn *websocket.Conn) {
		frames := []string{
			`{"type":"transcript_delta","text":"3+"}`,
			`{"type":"transcript_delta","text":"5"}`,
			`{"type":"tool_call","calls":[{"id":"c1","name":"displayResult","args":{"text":"8"}}]}`,
			`{"type":"audio_chunk","seq":1,"data_b64":"` + base64.StdEncoding.EncodeToString(speech) + `"}`,
			`{"type":"session_end","reason":"done"}`,
		}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				t.Errorf("write frame: %v", err)
				return
			}
		}
	})

	sess := dialTest(t, url)

	if _, ok := nextEvent(t, sess).(OpenedEvent); !ok {
		t.Fatal("first event is not OpenedEvent")
	}
	if ev := nextEvent(t, sess).(TranscriptEvent); ev.Text != "3+" {
		t.Fatalf("fragment 1 = %q", ev.Text)
	}
	if ev := nextEvent(t, sess).(TranscriptEvent); ev.Text != "5" {
		t.Fatalf("fragment 2 = %q", ev.Text)
	}
	tool, ok := nextEvent(t, sess).(ToolCallEvent)
	if !ok || len(tool.Calls) != 1 || tool.Calls[0].ID != "c1" {
		t.Fatalf("tool event %+v", tool)
	}
	chunk, ok := nextEvent(t, sess).(AudioChunkEvent)
	if !ok || chunk.Seq != 1 || string(chunk.Data) != string(speech) {
		t.Fatalf("audio event %+v", chunk)
	}
	closed, ok := nextEvent(t, sess).(ClosedEvent)
	if !ok || closed.Reason != "done" {
		t.Fatalf("closed event %+v", closed)
	}

	select {
	case _, ok := <-sess.Events():
		if ok {
			t.Fatal("events after session_end")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed after session_end")
	}
}

func TestSession_BinaryAudioPair(t *testing.T) {
	t.Parallel()
	speech := make([]byte, 960)
	for i := range speech {
		speech[i] = byte(i)
	}
	url := newAgentServer(t, func(t *testing.T, conn *websocket.Conn) {
		header := `{"type":"audio_chunk_header","seq":7,"bytes":960}`
		if err := conn.WriteMessage(websocket.TextMessage, []byte(header)); err != nil {
			t.Errorf("write header: %v", err)
			return
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, speech); err != nil {
			t.Errorf("write binary: %v", err)
		}
	})

	sess := dialTest(t, url)
	nextEvent(t, sess) // opened

	chunk, ok := nextEvent(t, sess).(AudioChunkEvent)
	if !ok {
		t.Fatal("expected AudioChunkEvent")
	}
	if chunk.Seq != 7 || len(chunk.Data) != 960 || chunk.Data[959] != speech[959] {
		t.Fatalf("chunk seq=%d len=%d", chunk.Seq, len(chunk.Data))
	}
}

func TestSession_StrayBinaryFrameSkipped(t *testing.T) {
	t.Parallel()
	url := newAgentServer(t, func(t *testing.T, conn *websocket.Conn) {
		if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 64)); err != nil {
			t.Errorf("write binary: %v", err)
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"transcript_delta","text":"ok"}`))
	})

	sess := dialTest(t, url)
	nextEvent(t, sess) // opened

	ev, ok := nextEvent(t, sess).(TranscriptEvent)
	if !ok || ev.Text != "ok" {
		t.Fatalf("got %+v, want the transcript after the stray binary frame", ev)
	}
}

func TestSession_UndecodableAudioChunkDropped(t *testing.T) {
	t.Parallel()
	url := newAgentServer(t, func(t *testing.T, conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"audio_chunk","seq":1,"data_b64":"%%%not-base64%%%"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"audio_chunk","seq":2,"data_b64":"`+base64.StdEncoding.EncodeToString([]byte{9, 9})+`"}`))
	})

	sess := dialTest(t, url)
	nextEvent(t, sess) // opened

	chunk, ok := nextEvent(t, sess).(AudioChunkEvent)
	if !ok || chunk.Seq != 2 {
		t.Fatalf("got %+v, want seq 2 only (seq 1 dropped)", chunk)
	}
}

func TestSession_UnknownFrameIgnored(t *testing.T) {
	t.Parallel()
	url := newAgentServer(t, func(t *testing.T, conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"future_feature","x":1}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"transcript_delta","text":"still here"}`))
	})

	sess := dialTest(t, url)
	nextEvent(t, sess) // opened

	ev, ok := nextEvent(t, sess).(TranscriptEvent)
	if !ok || ev.Text != "still here" {
		t.Fatalf("got %+v, want the transcript after the unknown frame", ev)
	}
}

func TestSession_NonFatalErrorFrameKeepsSessionAlive(t *testing.T) {
	t.Parallel()
	url := newAgentServer(t, func(t *testing.T, conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","code":"slow_down","message":"throttled"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"transcript_delta","text":"after"}`))
	})

	sess := dialTest(t, url)
	nextEvent(t, sess) // opened

	errEv, ok := nextEvent(t, sess).(ErrorEvent)
	if !ok || errEv.Code != "slow_down" {
		t.Fatalf("got %+v, want ErrorEvent slow_down", errEv)
	}
	if ev, ok := nextEvent(t, sess).(TranscriptEvent); !ok || ev.Text != "after" {
		t.Fatalf("session did not continue past a non-fatal error frame")
	}
}

func TestSession_SendAudioFrame(t *testing.T) {
	t.Parallel()
	received := make(chan protocol.ClientAudioFrame, 4)
	url := newAgentServer(t, func(t *testing.T, conn *websocket.Conn) {
		for i := 0; i < 2; i++ {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame protocol.ClientAudioFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				t.Errorf("decode audio_frame: %v", err)
				return
			}
			received <- frame
		}
	})

	sess := dialTest(t, url)
	pcm := []byte{1, 0, 2, 0}
	if err := sess.SendAudioFrame(pcm); err != nil {
		t.Fatalf("SendAudioFrame: %v", err)
	}
	if err := sess.SendAudioFrame(pcm); err != nil {
		t.Fatalf("SendAudioFrame: %v", err)
	}

	for want := int64(1); want <= 2; want++ {
		select {
		case frame := <-received:
			if frame.Type != "audio_frame" || frame.Seq != want {
				t.Fatalf("frame %+v, want audio_frame seq %d", frame, want)
			}
			decoded, err := base64.StdEncoding.DecodeString(frame.DataB64)
			if err != nil || string(decoded) != string(pcm) {
				t.Fatalf("frame payload mismatch: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("agent never received the audio frame")
		}
	}
}

func TestSession_SendToolResponses(t *testing.T) {
	t.Parallel()
	received := make(chan protocol.ClientToolResponseBatch, 1)
	url := newAgentServer(t, func(t *testing.T, conn *websocket.Conn) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var batch protocol.ClientToolResponseBatch
		if err := json.Unmarshal(data, &batch); err != nil {
			t.Errorf("decode tool_response: %v", err)
			return
		}
		received <- batch
	})

	sess := dialTest(t, url)
	err := sess.SendToolResponses([]protocol.ToolResponse{
		{ID: "c1", Name: "displayResult", Result: protocol.ToolResult{Success: true}},
		{ID: "c2", Name: "resetApp", Result: protocol.ToolResult{Success: true}},
	})
	if err != nil {
		t.Fatalf("SendToolResponses: %v", err)
	}

	select {
	case batch := <-received:
		if batch.Type != "tool_response" || len(batch.Responses) != 2 {
			t.Fatalf("batch %+v", batch)
		}
		if batch.Responses[0].ID != "c1" || !batch.Responses[1].Result.Success {
			t.Fatalf("batch content %+v", batch.Responses)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("agent never received the tool responses")
	}
}

func TestSession_CloseIsIdempotentAndStopsSends(t *testing.T) {
	t.Parallel()
	url := newAgentServer(t, nil)
	sess := dialTest(t, url)

	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := sess.SendAudioFrame([]byte{0, 0}); !errors.Is(err, ErrClosed) {
		t.Fatalf("SendAudioFrame after close: %v, want ErrClosed", err)
	}
	if err := sess.SendToolResponses(nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("SendToolResponses after close: %v, want ErrClosed", err)
	}
}

func TestSession_RemoteHangupClosesEvents(t *testing.T) {
	t.Parallel()
	url := newRawAgentServer(t, func(t *testing.T, conn *websocket.Conn) {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.WriteJSON(protocol.ServerHelloAck{Type: "hello_ack", SessionID: "s_1"})
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	})

	sess := dialTest(t, url)
	nextEvent(t, sess) // opened

	ev := nextEvent(t, sess)
	if _, ok := ev.(ClosedEvent); !ok {
		t.Fatalf("got %T, want ClosedEvent on remote hangup", ev)
	}
}
