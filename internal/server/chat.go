package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/chamsddine/relay/internal/engine"
	"github.com/chamsddine/relay/internal/llm"
)

// chatStreamRequest is the POST /chat/stream body. Provider and model fall
// back to the server defaults when omitted.
type chatStreamRequest struct {
	Provider    string          `json:"provider,omitempty"`
	Model       string          `json:"model,omitempty"`
	Messages    []llm.Message   `json:"messages"`
	Images      []llm.ImageData `json:"images,omitempty"`
	Temperature *float32        `json:"temperature,omitempty"`
}

// sseEvent is one `data:` frame on the chat stream. Type is one of
// content, tool_call, done, error.
type sseEvent struct {
	Type      string       `json:"type"`
	Text      string       `json:"text,omitempty"`
	ID        string       `json:"id,omitempty"`
	NameDelta string       `json:"name_delta,omitempty"`
	ArgsDelta string       `json:"args_delta,omitempty"`
	Message   *llm.Message `json:"message,omitempty"`
	Usage     *llm.Usage   `json:"usage,omitempty"`
	ToolTurns int          `json:"tool_turns,omitempty"`
	Recovered bool         `json:"recovered,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// handleChatStream runs one turn and forwards its deltas as SSE frames.
// Once the event-stream headers are out, failures travel as a terminal
// error event rather than a status code.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages must not be empty")
		return
	}
	provider := req.Provider
	if provider == "" {
		provider = s.provider
	}
	model := req.Model
	if model == "" {
		model = s.model
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	// Proxies must not buffer the stream.
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	emit := func(ev sseEvent) {
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	result, err := s.turns.RunTurn(r.Context(), engine.TurnRequest{
		Provider:    provider,
		Model:       model,
		Messages:    req.Messages,
		Images:      req.Images,
		Temperature: req.Temperature,
		OnChunk: func(chunk llm.Chunk) {
			switch chunk.Kind {
			case llm.ChunkContent:
				if chunk.Text != "" {
					emit(sseEvent{Type: "content", Text: chunk.Text})
				}
			case llm.ChunkToolCallDelta:
				emit(sseEvent{
					Type:      "tool_call",
					ID:        chunk.ToolCallID,
					NameDelta: chunk.NameDelta,
					ArgsDelta: chunk.ArgsDelta,
				})
			}
		},
	})
	if err != nil {
		emit(sseEvent{Type: "error", Error: err.Error()})
		return
	}

	final := result.Message
	usage := result.Usage
	emit(sseEvent{
		Type:      "done",
		Message:   &final,
		Usage:     &usage,
		ToolTurns: result.ToolTurns,
		Recovered: result.Recovered,
	})
}
