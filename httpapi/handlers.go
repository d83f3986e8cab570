package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kadirpekel/orcacore/accessfilter"
	"github.com/kadirpekel/orcacore/identity"
	"github.com/kadirpekel/orcacore/orcherr"
	"github.com/kadirpekel/orcacore/planner"
	"github.com/kadirpekel/orcacore/sessionstore"
)

// toolsResponse is GET /tools's body: the filtered descriptor surface for
// the resolved caller (spec §6.2).
type toolsResponse struct {
	Tools []accessfilter.Descriptor `json:"tools"`
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	access := identity.FromRequest(r)
	surface := s.filter.Project(s.registry.Surface(), access)
	writeJSON(w, http.StatusOK, toolsResponse{Tools: surface.Descriptors})
}

// providerView is one entry of GET /providers's body.
type providerView struct {
	ID       string `json:"id"`
	BaseURL  string `json:"base_url"`
	Status   string `json:"status"`
	LastErr  string `json:"last_error,omitempty"`
	ProbedAt string `json:"probed_at,omitempty"`
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	providers := s.registry.Surface().Providers()
	out := make([]providerView, 0, len(providers))
	for _, p := range providers {
		v := providerView{ID: p.ID, BaseURL: p.BaseURL, Status: string(p.Status), LastErr: p.LastErr}
		if !p.ProbedAt.IsZero() {
			v.ProbedAt = p.ProbedAt.UTC().Format(time.RFC3339)
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": out})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	access := identity.FromRequest(r)
	summaries, err := s.store.ListSessions(r.Context(), access.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	if summaries == nil {
		summaries = []sessionstore.SessionSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": summaries})
}

// handleGetSession returns the full turn history for one session. A
// non-owning caller receives the same empty-session response as a
// genuinely missing id, per spec Testable Property 7 -- LoadSession
// already encodes "not yours" and "not found" identically, so there is
// nothing further to hide here.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	access := identity.FromRequest(r)
	sessionID := chi.URLParam(r, "id")

	session, err := s.store.LoadSession(r.Context(), access.UserID, sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	if session == nil {
		writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "turns": []sessionstore.Turn{}})
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// feedbackRequest is POST /feedback's body (spec §6.2).
type feedbackRequest struct {
	TurnID    string `json:"turn_id"`
	SessionID string `json:"session_id"`
	Rating    int    `json:"rating"`
	Comment   string `json:"comment,omitempty"`
}

// handleFeedback upserts feedback by turn_id (spec Testable Property 8:
// idempotent, last-write-wins, never mutates the referenced Turn).
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorStatus(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TurnID == "" {
		writeErrorStatus(w, http.StatusBadRequest, "turn_id is required")
		return
	}
	if req.SessionID == "" {
		writeErrorStatus(w, http.StatusBadRequest, "session_id is required")
		return
	}

	fb := sessionstore.Feedback{
		TurnID:    req.TurnID,
		SessionID: req.SessionID,
		Rating:    req.Rating,
		Comment:   req.Comment,
		Timestamp: time.Now(),
	}
	if err := s.store.PutFeedback(r.Context(), fb); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// chatMessage is one element of POST /chat's messages array.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatRequest is POST /chat's body (spec §6.2).
type chatRequest struct {
	UserID    string        `json:"user_id"`
	SessionID string        `json:"session_id,omitempty"`
	Messages  []chatMessage `json:"messages"`
}

// chatResponse is POST /chat's body.
type chatResponse struct {
	SessionID     string                       `json:"session_id"`
	Response      string                       `json:"response"`
	Success       bool                         `json:"success"`
	Rounds        int                          `json:"rounds"`
	ProvidersUsed []string                     `json:"providers_used"`
	Lineage       []sessionstore.LineageRecord `json:"lineage"`
	Metadata      chatResponseMetadata         `json:"metadata"`
}

type chatResponseMetadata struct {
	ExecutionTimeMs int64  `json:"execution_time_ms"`
	TurnID          string `json:"turn_id"`
	Timestamp       string `json:"timestamp"`
}

// handleChat is the orchestration core's one domain endpoint: resolve the
// caller, load or create the session, run the Planner Loop over the
// caller's filtered surface, and append the resulting turn (spec §6.2,
// §4.4, §4.5). Identity resolution uses ResolveChat rather than the
// blanket Middleware because BYPASS_TOKEN's last-resort fallback needs
// the request body's own user_id (spec §6.4).
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorStatus(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	userMessage, err := lastUserMessage(req.Messages)
	if err != nil {
		writeErrorStatus(w, http.StatusBadRequest, err.Error())
		return
	}

	access, err := s.resolver.ResolveChat(r, req.UserID)
	if err != nil {
		writeErrorStatus(w, http.StatusUnauthorized, err.Error())
		return
	}

	start := time.Now()
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	conversation, err := s.buildConversation(r, access, sessionID, userMessage)
	if err != nil {
		writeError(w, err)
		return
	}

	surface := s.filter.Project(s.registry.Surface(), access)
	loop := planner.New(s.model(), s.invoker, s.plannerOpts()...)
	outcome := loop.Run(r.Context(), conversation, surface, access)

	turn := sessionstore.Turn{
		TurnID:      uuid.NewString(),
		UserMessage: userMessage,
		Response:    outcome.ResponseText,
		Success:     outcome.Status == planner.StatusDone,
		Metadata: sessionstore.ExecutionMetadata{
			Rounds:         outcome.Rounds,
			ProvidersUsed:  outcome.ProvidersUsed,
			DurationMillis: time.Since(start).Milliseconds(),
			Lineage:        outcome.Lineage,
		},
		CreatedAt: time.Now(),
	}

	if r.Context().Err() != nil {
		// Caller disconnected or the turn was cancelled: the turn is
		// discarded without a Session Store write and no response body is
		// written.
		return
	}

	stored, err := s.store.AppendTurn(r.Context(), access.UserID, sessionID, turn)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{
		SessionID:     sessionID,
		Response:      stored.Response,
		Success:       stored.Success,
		Rounds:        stored.Metadata.Rounds,
		ProvidersUsed: stored.Metadata.ProvidersUsed,
		Lineage:       stored.Metadata.Lineage,
		Metadata: chatResponseMetadata{
			ExecutionTimeMs: stored.Metadata.DurationMillis,
			TurnID:          stored.TurnID,
			Timestamp:       stored.CreatedAt.UTC().Format(time.RFC3339),
		},
	})
}

func (s *Server) plannerOpts() []planner.Option {
	var opts []planner.Option
	if s.maxRounds > 0 {
		opts = append(opts, planner.WithMaxRounds(s.maxRounds))
	}
	if s.turnTTL > 0 {
		opts = append(opts, planner.WithTurnTimeout(s.turnTTL))
	}
	if s.reasonTTL > 0 {
		opts = append(opts, planner.WithReasoningTimeout(s.reasonTTL))
	}
	return opts
}

// buildConversation loads the session's prior turns (if any) into a
// planner.Conversation and appends the current user message, per spec
// §4.4 Init: "system prompt, prior turns, current user message".
func (s *Server) buildConversation(r *http.Request, access accessfilter.AccessContext, sessionID, userMessage string) (*planner.Conversation, error) {
	conv := &planner.Conversation{}
	conv.Append(planner.Message{Role: planner.RoleSystem, Content: systemPrompt})

	session, err := s.store.LoadSession(r.Context(), access.UserID, sessionID)
	if err != nil {
		return nil, err
	}
	if session != nil {
		for _, turn := range session.Turns {
			conv.Append(planner.Message{Role: planner.RoleUser, Content: turn.UserMessage})
			conv.Append(planner.Message{Role: planner.RoleAssistant, Content: turn.Response})
		}
	}

	conv.Append(planner.Message{Role: planner.RoleUser, Content: userMessage})
	return conv, nil
}

const systemPrompt = "You are the orchestration core's reasoning model. Use the tools available to you to answer the caller's request."

// lastUserMessage returns the content of the last message with role=user,
// per spec §6.2: "only the last user message is treated as the current
// input (prior messages are ignored in favor of the server-side session)".
func lastUserMessage(messages []chatMessage) (string, error) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content, nil
		}
	}
	return "", errors.New("messages must include at least one user turn")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps a component error to an HTTP status via its orcherr
// taxonomy kind, never leaking unwrapped internal detail.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, orcherr.ErrAuth):
		status = http.StatusUnauthorized
	case errors.Is(err, orcherr.ErrUnknownTool), errors.Is(err, orcherr.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, orcherr.ErrInvalidArguments):
		status = http.StatusBadRequest
	}
	writeErrorStatus(w, status, orcherr.Kind(err))
}

func writeErrorStatus(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": map[string]any{"message": message}})
}
