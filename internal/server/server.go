// ABOUTME: HTTP JSON handlers for the broker RPC surface.
// ABOUTME: All responses use the {success, ...} envelope; status events stream via SSE.

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"mcp-broker/internal/collab"
	"mcp-broker/internal/dispatch"
	"mcp-broker/internal/registry"
	"mcp-broker/internal/status"
)

// ServiceName identifies the broker in Ping responses.
const ServiceName = "mcp-broker"

// maxRequestBody caps inbound request bodies.
const maxRequestBody = 4 << 20

// Server exposes the broker over HTTP.
type Server struct {
	registry    *registry.Registry
	dispatcher  *dispatch.Dispatcher
	store       *collab.Store
	recorder    *collab.Recorder
	broadcaster *status.Broadcaster
	validate    *validator.Validate
	logger      *slog.Logger
}

// New creates a Server over the given components.
func New(reg *registry.Registry, disp *dispatch.Dispatcher, store *collab.Store, rec *collab.Recorder, bc *status.Broadcaster, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		registry:    reg,
		dispatcher:  disp,
		store:       store,
		recorder:    rec,
		broadcaster: bc,
		validate:    validator.New(),
		logger:      logger.With("component", "server"),
	}
}

// Routes returns the HTTP handler for the full RPC surface.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/ping", s.handlePing)
	mux.HandleFunc("/api/tools", s.handleToolsList)
	mux.HandleFunc("/api/tools/call", s.handleToolsCall)
	mux.HandleFunc("/api/agents", s.handleAgentsList)
	mux.HandleFunc("/api/agents/register", s.handleAgentRegister)
	mux.HandleFunc("/api/agents/unregister", s.handleAgentUnregister)
	mux.HandleFunc("/api/agents/heartbeat", s.handleAgentHeartbeat)
	mux.HandleFunc("/api/logs", s.handleLogQuery)
	mux.HandleFunc("/api/logs/chain", s.handleLogChain)
	mux.HandleFunc("/api/logs/stats", s.handleLogStats)
	mux.HandleFunc("/api/decisions", s.handleDecision)
	mux.HandleFunc("/api/events", s.handleEvents)
	return mux
}

// writeJSON writes v as a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// writeError writes a failure envelope.
func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]any{
		"success": false,
		"error":   msg,
	})
}

// decodeBody decodes a JSON request body into dst.
func decodeBody(r *http.Request, dst any) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return fmt.Errorf("reading request body: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// handlePing handles GET /api/ping health checks.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
		"service":   ServiceName,
	})
}

// toolResponse is the JSON shape of a tool in ToolsList responses.
type toolResponse struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Parameters  json.RawMessage  `json:"parameters,omitempty"`
	Examples    []map[string]any `json:"examples,omitempty"`
	Agent       string           `json:"agent"`
}

// handleToolsList handles GET /api/tools. Only tools with at least one
// alive serving instance are listed.
func (s *Server) handleToolsList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	tools := s.registry.ListTools()
	response := make([]toolResponse, 0, len(tools))
	for _, t := range tools {
		response = append(response, toolResponse{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Schema,
			Examples:    t.Examples,
			Agent:       t.Group,
		})
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"tools":   response,
		"total":   len(response),
	})
}

// ToolsCallRequest is the JSON request body for POST /api/tools/call.
type ToolsCallRequest struct {
	ToolName   string          `json:"tool_name" validate:"required"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	DecisionID *int64          `json:"decision_id,omitempty"`
}

// handleToolsCall handles POST /api/tools/call.
func (s *Server) handleToolsCall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req ToolsCallRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, http.StatusBadRequest, "tool_name is required")
		return
	}

	result, err := s.dispatcher.Call(r.Context(), req.ToolName, req.Parameters, req.DecisionID)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}

	if len(result) == 0 {
		result = json.RawMessage(`null`)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"result":  result,
	})
}

// writeDispatchError maps dispatch failures onto the error taxonomy.
func (s *Server) writeDispatchError(w http.ResponseWriter, err error) {
	var badReq *dispatch.BadRequestError
	var allFailed *dispatch.AllInstancesFailedError

	switch {
	case errors.As(err, &badReq):
		s.writeError(w, http.StatusBadRequest, badReq.Reason)
	case errors.Is(err, registry.ErrToolNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, dispatch.ErrNoLiveInstance):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &allFailed):
		s.writeJSON(w, http.StatusBadGateway, map[string]any{
			"success":  false,
			"error":    allFailed.Error(),
			"failures": allFailed.Failures,
		})
	case errors.Is(err, dispatch.ErrCallTimeout):
		s.writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// ToolPayload is a tool descriptor in a registration request.
type ToolPayload struct {
	Name        string           `json:"name" validate:"required"`
	Description string           `json:"description"`
	Parameters  json.RawMessage  `json:"parameters,omitempty"`
	Examples    []map[string]any `json:"examples,omitempty"`
}

// RegisterRequest is the JSON request body for POST /api/agents/register.
// The schema is strict: malformed payloads are rejected at the boundary.
type RegisterRequest struct {
	Name     string        `json:"name" validate:"required"`
	Group    string        `json:"group" validate:"required"`
	Endpoint string        `json:"endpoint" validate:"required,url"`
	Roles    []string      `json:"roles,omitempty"`
	Tools    []ToolPayload `json:"tools" validate:"required,min=1,dive"`
}

// handleAgentRegister handles POST /api/agents/register.
func (s *Server) handleAgentRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req RegisterRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid agent descriptor: "+err.Error())
		return
	}

	tools := make([]*registry.ToolDescriptor, 0, len(req.Tools))
	for _, t := range req.Tools {
		tools = append(tools, &registry.ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			Schema:      t.Parameters,
			Examples:    t.Examples,
		})
	}

	inst := &registry.Instance{
		Name:     req.Name,
		Group:    req.Group,
		Endpoint: req.Endpoint,
		Roles:    req.Roles,
		Tools:    tools,
	}

	if err := s.registry.Register(inst); err != nil {
		if errors.Is(err, registry.ErrToolConflict) || errors.Is(err, registry.ErrAgentConflict) {
			s.writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Agent %q registered successfully", req.Name),
	})
}

// UnregisterRequest is the JSON request body for POST /api/agents/unregister.
type UnregisterRequest struct {
	AgentName string `json:"agent_name" validate:"required"`
}

// handleAgentUnregister handles POST /api/agents/unregister.
func (s *Server) handleAgentUnregister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req UnregisterRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, http.StatusBadRequest, "agent_name is required")
		return
	}

	if err := s.registry.Unregister(req.AgentName); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("Agent %q unregistered successfully", req.AgentName),
	})
}

// HeartbeatRequest is the JSON request body for POST /api/agents/heartbeat.
type HeartbeatRequest struct {
	AgentName string  `json:"agent_name" validate:"required"`
	Load      float64 `json:"load"`
}

// handleAgentHeartbeat handles POST /api/agents/heartbeat. Agents push
// liveness and their current load metric here.
func (s *Server) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req HeartbeatRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, http.StatusBadRequest, "agent_name is required")
		return
	}

	if err := s.registry.Heartbeat(req.AgentName, req.Load); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// agentResponse is the JSON shape of an agent in AgentsList responses.
type agentResponse struct {
	Name          string   `json:"name"`
	Group         string   `json:"group"`
	Endpoint      string   `json:"endpoint"`
	Roles         []string `json:"roles,omitempty"`
	ToolsCount    int      `json:"tools_count"`
	Status        string   `json:"status"`
	Load          float64  `json:"load"`
	LastHeartbeat int64    `json:"last_heartbeat"`
	RegisteredAt  int64    `json:"registered_at"`
	IsAlive       bool     `json:"is_alive"`
}

// handleAgentsList handles GET /api/agents.
func (s *Server) handleAgentsList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	agents := s.registry.ListAgents()
	response := make([]agentResponse, 0, len(agents))
	for _, a := range agents {
		response = append(response, agentResponse{
			Name:          a.Name,
			Group:         a.Group,
			Endpoint:      a.Endpoint,
			Roles:         a.Roles,
			ToolsCount:    a.ToolCount,
			Status:        string(a.Status),
			Load:          a.Load,
			LastHeartbeat: a.LastHeartbeat.Unix(),
			RegisteredAt:  a.RegisteredAt.Unix(),
			IsAlive:       a.IsAlive,
		})
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"agents":  response,
		"total":   len(response),
	})
}

// entryResponse is the JSON shape of a collaboration log entry.
type entryResponse struct {
	ID        int64          `json:"id"`
	Type      string         `json:"type"`
	Timestamp string         `json:"timestamp"`
	Agent     *string        `json:"agent"`
	Tool      *string        `json:"tool,omitempty"`
	Status    string         `json:"status"`
	Payload   map[string]any `json:"payload,omitempty"`
	ParentID  *int64         `json:"parent_id"`
}

func toEntryResponse(e collab.Entry) entryResponse {
	return entryResponse{
		ID:        e.ID,
		Type:      string(e.Type),
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		Agent:     e.Agent,
		Tool:      e.Tool,
		Status:    e.Status,
		Payload:   e.Payload,
		ParentID:  e.ParentID,
	}
}

// handleLogQuery handles GET /api/logs with filter query parameters:
// agent, type, status, keyword, since, until (RFC3339), limit.
func (s *Server) handleLogQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	var f collab.Filter

	if v := q.Get("agent"); v != "" {
		f.Agent = &v
	}
	if v := q.Get("type"); v != "" {
		t := collab.EntryType(v)
		f.Type = &t
	}
	if v := q.Get("status"); v != "" {
		f.Status = &v
	}
	if v := q.Get("keyword"); v != "" {
		f.Keyword = &v
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid since timestamp: "+err.Error())
			return
		}
		f.Since = &t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid until timestamp: "+err.Error())
			return
		}
		f.Until = &t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid limit: "+err.Error())
			return
		}
		f.Limit = n
	}

	entries, err := s.store.Query(r.Context(), f)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	response := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		response = append(response, toEntryResponse(e))
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"logs":    response,
		"total":   len(response),
	})
}

// handleLogChain handles GET /api/logs/chain?id=N: the causal chain around
// one entry, from its root decision through all downstream effects.
func (s *Server) handleLogChain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	id, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	chain, err := s.store.Chain(r.Context(), id)
	if err != nil {
		if errors.Is(err, collab.ErrEntryNotFound) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	response := make([]entryResponse, 0, len(chain))
	for _, e := range chain {
		response = append(response, toEntryResponse(e))
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"chain":   response,
		"total":   len(response),
	})
}

// handleLogStats handles GET /api/logs/stats.
func (s *Server) handleLogStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"stats": map[string]any{
			"total":     stats.Total,
			"by_type":   stats.ByType,
			"by_status": stats.ByStatus,
			"by_agent":  stats.ByAgent,
		},
	})
}

// DecisionRequest is the JSON request body for POST /api/decisions.
type DecisionRequest struct {
	Task      string         `json:"task" validate:"required"`
	Reasoning map[string]any `json:"reasoning,omitempty"`
}

// handleDecision handles POST /api/decisions. The controller records its
// reasoning here and threads the returned id through tool calls so the
// whole execution traces back to one decision.
func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req DecisionRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, http.StatusBadRequest, "task is required")
		return
	}

	id, err := s.recorder.RecordDecision(r.Context(), req.Task, req.Reasoning)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"id":      id,
	})
}

// handleEvents handles GET /api/events: a Server-Sent Events stream of
// agent status transitions.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, subID := s.broadcaster.Subscribe(r.Context())
	s.logger.Debug("event stream opened", "sub_id", subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug("event stream closed", "sub_id", subID)
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(map[string]any{
				"agent":      ev.Agent,
				"group":      ev.Group,
				"old_status": string(ev.OldStatus),
				"new_status": string(ev.NewStatus),
				"timestamp":  ev.Timestamp.UTC().Format(time.RFC3339Nano),
			})
			if err != nil {
				s.logger.Error("failed to encode status event", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: status\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}
