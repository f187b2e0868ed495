package server

import (
	"net/http"
	"strconv"

	"github.com/aurin-ai/aurin/internal/memory"
)

// factDesc is the wire shape of one fact.
type factDesc struct {
	ID        int64    `json:"id"`
	Content   string   `json:"content"`
	Tags      []string `json:"tags"`
	CreatedAt int64    `json:"created_at"`
}

type candidateDesc struct {
	ID        int64  `json:"id"`
	Content   string `json:"content"`
	Reason    string `json:"reason"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"created_at"`
}

type summaryDesc struct {
	ID        int64  `json:"id"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"`
	SessionID string `json:"session_id"`
}

func describeFact(f memory.Fact) factDesc {
	tags := f.Tags
	if tags == nil {
		tags = []string{}
	}
	return factDesc{ID: f.ID, Content: f.Content, Tags: tags, CreatedAt: f.CreatedAt}
}

func (s *Server) handleListFacts(w http.ResponseWriter, r *http.Request) {
	scope := scopeFromQuery(r)
	limit := limitQuery(r, "limit", 50, 500)
	facts, err := s.memory.ListFacts(r.Context(), scope, limit)
	if err != nil {
		s.memoryError(w, "list facts", err)
		return
	}
	out := make([]factDesc, 0, len(facts))
	for _, f := range facts {
		out = append(out, describeFact(f))
	}
	writeJSON(w, http.StatusOK, map[string]any{"facts": out})
}

func (s *Server) handleDeleteFact(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	deleted, err := s.memory.DeleteFact(r.Context(), scopeFromQuery(r), id)
	if err != nil {
		s.memoryError(w, "delete fact", err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "Memory fact not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleListCandidates(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = memory.StatusPending
	}
	candidates, err := s.memory.ListCandidates(r.Context(), scopeFromQuery(r), status, limitQuery(r, "limit", 50, 500))
	if err != nil {
		s.memoryError(w, "list candidates", err)
		return
	}
	out := make([]candidateDesc, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, candidateDesc{
			ID: c.ID, Content: c.Content, Reason: c.Reason,
			Status: c.Status, CreatedAt: c.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"candidates": out})
}

func (s *Server) handleAcceptCandidate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	fact, err := s.memory.AcceptCandidate(r.Context(), scopeFromQuery(r), id)
	if err != nil {
		s.memoryError(w, "accept candidate", err)
		return
	}
	if fact == nil {
		writeError(w, http.StatusNotFound, "Memory candidate not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "fact": describeFact(*fact)})
}

func (s *Server) handleRejectCandidate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rejected, err := s.memory.RejectCandidate(r.Context(), scopeFromQuery(r), id)
	if err != nil {
		s.memoryError(w, "reject candidate", err)
		return
	}
	if !rejected {
		writeError(w, http.StatusNotFound, "Memory candidate not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleListSummaries(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.memory.ListSummaries(r.Context(), scopeFromQuery(r), limitQuery(r, "limit", 50, 500))
	if err != nil {
		s.memoryError(w, "list summaries", err)
		return
	}
	out := make([]summaryDesc, 0, len(summaries))
	for _, sum := range summaries {
		out = append(out, summaryDesc{
			ID: sum.ID, Content: sum.Content,
			CreatedAt: sum.CreatedAt, SessionID: sum.SessionID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"summaries": out})
}

func (s *Server) handleDeleteSummary(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	deleted, err := s.memory.DeleteSummary(r.Context(), scopeFromQuery(r), id)
	if err != nil {
		s.memoryError(w, "delete summary", err)
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "Memory summary not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	data, err := s.memory.Export(r.Context(), scopeFromQuery(r),
		limitQuery(r, "facts_limit", 200, 2000),
		limitQuery(r, "summaries_limit", 200, 2000))
	if err != nil {
		s.memoryError(w, "export", err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var data memory.ExportData
	if err := decodeJSON(r, &data); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	facts, summaries, err := s.memory.Import(r.Context(), scopeFromQuery(r), data)
	if err != nil {
		s.memoryError(w, "import", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"facts": facts, "summaries": summaries})
}

func (s *Server) memoryError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("memory api failure", "op", op, "error", err)
	writeError(w, http.StatusInternalServerError, "memory operation failed")
}

// scopeFromQuery builds a memory scope from user_id/profile_id query
// params. The REST surface always addresses the "default" session.
func scopeFromQuery(r *http.Request) memory.Scope {
	q := r.URL.Query()
	return memory.NewScope("", q.Get("user_id"), q.Get("profile_id"))
}

// limitQuery reads an integer query param, falling back to def and
// clamping to [1, max].
func limitQuery(r *http.Request, key string, def, max int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// pathID parses the {id} path segment, answering 404 for garbage so a
// non-numeric id behaves like a missing row.
func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusNotFound, "not found")
		return 0, false
	}
	return id, true
}
