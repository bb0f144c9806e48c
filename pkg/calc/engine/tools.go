package engine

import (
	"github.com/voxcalc/voxcalc/pkg/calc/protocol"
)

// Tool names the agent may invoke. Anything else is accepted but produces no
// local state change.
const (
	toolDisplayResult = "displayResult"
	toolResetApp      = "resetApp"
)

// ackBatch synthesizes exactly one success acknowledgement per call. The
// agent expects a reply for every call to continue the conversation, so
// unrecognized calls are acknowledged too.
func ackBatch(calls []protocol.ToolCall) []protocol.ToolResponse {
	responses := make([]protocol.ToolResponse, 0, len(calls))
	for _, call := range calls {
		responses = append(responses, protocol.ToolResponse{
			ID:     call.ID,
			Name:   call.Name,
			Result: protocol.ToolResult{Success: true},
		})
	}
	return responses
}

// textArg extracts a string argument, tolerating absent or mistyped values.
func textArg(args map[string]any, key string) string {
	if args == nil {
		return ""
	}
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

// applyToolCall mutates engine state for one call. Runs on the controller
// loop.
func (c *Controller) applyToolCall(call protocol.ToolCall) {
	switch call.Name {
	case toolDisplayResult:
		text := textArg(call.Args, "text")
		c.result = text
		c.history.push(c.transcript.Expression(), text, c.now())
		c.transcript.MarkFinalized()
	case toolResetApp:
		c.result = ""
		c.transcript.Reset()
		c.history.clear()
	default:
		c.log.Debug("unrecognized tool call", "name", call.Name, "id", call.ID)
	}
}

// dispatchToolCalls applies a batch atomically, then replies with the full
// acknowledgement batch as one outbound message.
func (c *Controller) dispatchToolCalls(calls []protocol.ToolCall) {
	for _, call := range calls {
		c.applyToolCall(call)
	}
	if c.session != nil {
		if err := c.session.SendToolResponses(ackBatch(calls)); err != nil {
			c.log.Warn("failed to send tool responses", "count", len(calls), "error", err)
		}
	}
	c.publish()
}
