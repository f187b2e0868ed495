package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/aurin-ai/aurin/internal/engine"
	"github.com/aurin-ai/aurin/internal/memory"
	"github.com/aurin-ai/aurin/pkg/provider/agent"
)

// runRequest is the agent run payload. Data is either the input text or an
// object carrying it plus an optional memory scope.
type runRequest struct {
	Engine string         `json:"engine"`
	Data   any            `json:"data"`
	Config map[string]any `json:"config"`
}

type conversationRequest struct {
	Data map[string]any `json:"data"`
}

func (s *Server) handleAgentRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	runtime, ok := s.resolveAgentEngine(w, req.Engine)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	text := agentText(req.Data)
	if text == "" {
		writeSSE(w, flusher, agent.EventError, map[string]any{"message": "Missing text input"})
		return
	}

	params := req.Config
	bridge := coerceBool(firstValue(params, "memory_bridge", "memoryBridge"))
	params = stripKeys(params, "memory_bridge", "memoryBridge")
	if bridge {
		scope := agentScope(req.Data)
		mctx, err := s.memory.BuildContext(r.Context(), scope, false)
		if err != nil {
			s.logger.Warn("agent memory bridge unavailable", "error", err)
		} else {
			text = s.memory.BuildPrompt(mctx, text, "", "")
		}
	}

	handler := agent.ForType(runtime.Type)
	actx := &agent.Context{Runtime: runtime, Params: params}
	events, err := handler.Stream(r.Context(), actx, text)
	if err != nil {
		writeSSE(w, flusher, agent.EventError, map[string]any{"message": err.Error()})
		return
	}
	for ev := range events {
		writeSSE(w, flusher, ev.Event, ev.Data)
	}
}

func (s *Server) handleAgentConversation(w http.ResponseWriter, r *http.Request) {
	var req conversationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	runtime, ok := s.resolveAgentEngine(w, r.PathValue("engine"))
	if !ok {
		return
	}

	handler := agent.ForType(runtime.Type)
	actx := &agent.Context{Runtime: runtime, Params: req.Data}
	id, err := handler.CreateConversation(r.Context(), actx)
	if err != nil {
		s.logger.Warn("agent conversation create failed", "engine", runtime.ID, "error", err)
	}
	if id == "" {
		writeError(w, http.StatusBadRequest, "Agent failed to create conversation")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"conversationId": id})
}

// resolveAgentEngine maps an engine id ("" and "default" alias to the
// catalog default) onto a usable runtime config.
func (s *Server) resolveAgentEngine(w http.ResponseWriter, id string) (*engine.RuntimeConfig, bool) {
	runtime := s.engines.Resolve(engine.KindAgent, id)
	if runtime == nil && (id == "" || id == "default") {
		writeError(w, http.StatusBadRequest, "Missing engine id")
		return nil, false
	}
	if runtime == nil || runtime.BaseURL == "" {
		writeError(w, http.StatusNotFound, "Agent engine not configured")
		return nil, false
	}
	return runtime, true
}

// writeSSE emits one event:/data: frame and flushes it downstream.
func writeSSE(w http.ResponseWriter, flusher http.Flusher, name string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		payload = []byte("{}")
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, payload)
	flusher.Flush()
}

// agentText extracts the input text from a run payload: a bare string, or
// an object's text/input/prompt field.
func agentText(data any) string {
	switch v := data.(type) {
	case string:
		return v
	case map[string]any:
		for _, key := range []string{"text", "input", "prompt"} {
			if s, ok := v[key].(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// agentScope reads an optional memory scope off the run payload.
func agentScope(data any) memory.Scope {
	payload, _ := data.(map[string]any)
	sessionID, _ := payload["session_id"].(string)
	if sessionID == "" {
		sessionID, _ = payload["sessionId"].(string)
	}
	userID, _ := payload["user_id"].(string)
	profileID, _ := payload["profile_id"].(string)
	return memory.NewScope(sessionID, userID, profileID)
}

func coerceBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case float64:
		return b != 0
	case int:
		return b != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "1", "true", "yes", "on":
			return true
		}
	}
	return false
}

func firstValue(m map[string]any, keys ...string) any {
	for _, key := range keys {
		if v, ok := m[key]; ok {
			return v
		}
	}
	return nil
}

func stripKeys(m map[string]any, keys ...string) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	for _, key := range keys {
		delete(out, key)
	}
	return out
}
