package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/adred-codev/cs_gateway/internal/auth"
	"github.com/adred-codev/cs_gateway/internal/conversation"
	"github.com/adred-codev/cs_gateway/internal/messaging"
	"github.com/adred-codev/cs_gateway/internal/store"
)

func (s *Server) registerAdminRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/websocket/online-count", s.handleOnlineCount)
	mux.HandleFunc("GET /api/websocket/is-online/{userId}", s.handleIsOnline)
	mux.HandleFunc("POST /api/websocket/send-to-user", s.handleSendToUser)
	mux.HandleFunc("POST /api/websocket/send-to-group", s.handleSendToGroup)
	mux.HandleFunc("POST /api/websocket/broadcast", s.handleBroadcast)
	mux.HandleFunc("POST /api/websocket/add-to-group", s.handleAddToGroup)
	mux.HandleFunc("POST /api/websocket/remove-from-group", s.handleRemoveFromGroup)

	mux.HandleFunc("POST /api/customer-service/register", s.handleRegisterAgent)
	mux.HandleFunc("POST /api/customer-service/unregister", s.handleUnregisterAgent)
	mux.HandleFunc("GET /api/customer-service/agent/{agentId}/users", s.handleAgentUsers)
	mux.HandleFunc("GET /api/customer-service/user/{userId}/agent", s.handleUserAgent)
	mux.HandleFunc("GET /api/customer-service/online-agents", s.handleOnlineAgents)
	mux.HandleFunc("POST /api/customer-service/set-max-users", s.handleSetMaxUsers)

	if s.convs != nil {
		mux.HandleFunc("GET /api/conversation/active", s.handleActiveConversations)
		mux.HandleFunc("GET /api/conversation/{id}", s.handleGetConversation)
		mux.HandleFunc("DELETE /api/conversation/{id}", s.handleDeleteConversation)
		mux.HandleFunc("POST /api/conversation/{id}/end", s.handleEndConversation)
		// user/{userId}, agent/{agentId} and {id}/messages share one shape
		mux.HandleFunc("GET /api/conversation/{first}/{second}", s.handleConversationSubresource)
	}

	if s.tokens != nil {
		mux.HandleFunc("POST /api/token/generate", s.handleGenerateToken)
		mux.HandleFunc("POST /api/token/remove", s.handleRemoveToken)
		mux.HandleFunc("GET /api/token/validate", s.handleValidateToken)
	}
}

type result map[string]any

func writeJSON(w http.ResponseWriter, status int, body result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeOK(w http.ResponseWriter, body result) {
	if body == nil {
		body = result{}
	}
	body["success"] = true
	writeJSON(w, http.StatusOK, body)
}

func writeFail(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, result{"success": false, "message": message})
}

// decodeBody reads a JSON object body into dst.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeFail(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func pageParams(r *http.Request, defaultSize int) (page, size int) {
	page, size = 1, defaultSize
	if v, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && v > 0 {
		page = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("size")); err == nil && v > 0 {
		size = v
	}
	return page, size
}

// Health

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.stats.Mu.RLock()
	cpuPercent := s.stats.CPUPercent
	memoryMB := s.stats.MemoryMB
	s.stats.Mu.RUnlock()

	status := "healthy"
	httpStatus := http.StatusOK
	mode := store.LocalOnly
	if s.st != nil {
		mode = s.st.Mode()
	}
	if mode != store.Distributed {
		status = "degraded"
	}
	if s.shuttingDown.Load() {
		status = "shutting_down"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, httpStatus, result{
		"status":     status,
		"node_id":    s.dir.NodeID(),
		"store_mode": string(mode),
		"uptime":     time.Since(s.stats.StartTime).Round(time.Second).String(),
		"connections": result{
			"current": atomic.LoadInt64(&s.stats.CurrentConnections),
			"total":   atomic.LoadInt64(&s.stats.TotalConnections),
			"max":     s.config.Guard.MaxConnections,
		},
		"cpu_percent": cpuPercent,
		"memory_mb":   memoryMB,
	})
}

// /api/websocket

func (s *Server) handleOnlineCount(w http.ResponseWriter, r *http.Request) {
	writeOK(w, result{"onlineCount": s.dir.GetOnlineCount(r.Context())})
}

func (s *Server) handleIsOnline(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	writeOK(w, result{"userId": userID, "isOnline": s.dir.IsOnline(r.Context(), userID)})
}

type deliveryRequest struct {
	UserID  string         `json:"userId"`
	GroupID string         `json:"groupId"`
	Message string         `json:"message"`
	Type    messaging.Type `json:"type"`
}

func (req deliveryRequest) envelope(defaultType messaging.Type, receiverID string) *messaging.Envelope {
	t := req.Type
	if t == "" {
		t = defaultType
	}
	return messaging.New(t, req.Message, messaging.SenderServer, receiverID)
}

func (s *Server) handleSendToUser(w http.ResponseWriter, r *http.Request) {
	var req deliveryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" || req.Message == "" {
		writeFail(w, http.StatusBadRequest, "userId and message are required")
		return
	}
	sent := s.dir.SendMessage(r.Context(), req.UserID, req.envelope(messaging.TypeChat, req.UserID).MustEncode())
	if !sent {
		writeJSON(w, http.StatusOK, result{"success": false, "userId": req.UserID, "message": "user is offline"})
		return
	}
	writeOK(w, result{"userId": req.UserID, "message": "message sent"})
}

func (s *Server) handleSendToGroup(w http.ResponseWriter, r *http.Request) {
	var req deliveryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.GroupID == "" || req.Message == "" {
		writeFail(w, http.StatusBadRequest, "groupId and message are required")
		return
	}
	n := s.dir.SendToGroup(r.Context(), req.GroupID, req.envelope(messaging.TypeGroup, req.GroupID).MustEncode())
	writeOK(w, result{"groupId": req.GroupID, "localMembers": n, "message": messaging.TextGroupSent})
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req deliveryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Message == "" {
		writeFail(w, http.StatusBadRequest, "message is required")
		return
	}
	s.dir.Broadcast(r.Context(), req.envelope(messaging.TypeBroadcast, "").MustEncode())
	writeOK(w, result{"onlineCount": s.dir.GetOnlineCount(r.Context()), "message": messaging.TextBroadcastSent})
}

func (s *Server) handleAddToGroup(w http.ResponseWriter, r *http.Request) {
	var req deliveryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" || req.GroupID == "" {
		writeFail(w, http.StatusBadRequest, "userId and groupId are required")
		return
	}
	if !s.dir.AddToGroup(req.UserID, req.GroupID) {
		writeJSON(w, http.StatusOK, result{"success": false, "message": "user is not connected to this node"})
		return
	}
	writeOK(w, result{"userId": req.UserID, "groupId": req.GroupID})
}

func (s *Server) handleRemoveFromGroup(w http.ResponseWriter, r *http.Request) {
	var req deliveryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UserID == "" || req.GroupID == "" {
		writeFail(w, http.StatusBadRequest, "userId and groupId are required")
		return
	}
	s.dir.RemoveFromGroup(req.UserID, req.GroupID)
	writeOK(w, result{"userId": req.UserID, "groupId": req.GroupID})
}

// /api/customer-service

type agentRequest struct {
	AgentID  string `json:"agentId"`
	MaxUsers int64  `json:"maxUsers"`
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req agentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.AgentID == "" {
		writeFail(w, http.StatusBadRequest, "agentId is required")
		return
	}
	s.bal.RegisterAgent(r.Context(), req.AgentID)
	writeOK(w, result{"agentId": req.AgentID})
}

func (s *Server) handleUnregisterAgent(w http.ResponseWriter, r *http.Request) {
	var req agentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.AgentID == "" {
		writeFail(w, http.StatusBadRequest, "agentId is required")
		return
	}
	s.bal.UnregisterAgent(r.Context(), req.AgentID)
	writeOK(w, result{"agentId": req.AgentID})
}

func (s *Server) handleAgentUsers(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agentId")
	if !s.bal.IsAgent(r.Context(), agentID) {
		writeFail(w, http.StatusNotFound, "unknown agent")
		return
	}
	writeOK(w, result{
		"agentId":     agentID,
		"users":       s.bal.GetUsersForAgent(r.Context(), agentID),
		"currentLoad": s.bal.GetAgentLoad(r.Context(), agentID),
	})
}

func (s *Server) handleUserAgent(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	agentID := s.bal.GetAgentForUser(r.Context(), userID)
	writeOK(w, result{"userId": userID, "agentId": agentID, "hasAgent": agentID != ""})
}

func (s *Server) handleOnlineAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.bal.GetAllOnlineAgents(r.Context())
	loads := make(map[string]int64, len(agents))
	for _, id := range agents {
		loads[id] = s.bal.GetAgentLoad(r.Context(), id)
	}
	writeOK(w, result{
		"agents":       agents,
		"agentLoads":   loads,
		"totalAgents":  len(agents),
		"waitingUsers": s.bal.WaitingUsers(r.Context()),
	})
}

func (s *Server) handleSetMaxUsers(w http.ResponseWriter, r *http.Request) {
	var req agentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.MaxUsers < 1 {
		writeFail(w, http.StatusBadRequest, "maxUsers must be greater than 0")
		return
	}
	s.bal.SetMaxUsersPerAgent(req.MaxUsers)
	writeOK(w, result{"maxUsersPerAgent": s.bal.MaxUsersPerAgent()})
}

// /api/conversation

func (s *Server) conversationError(w http.ResponseWriter, err error) {
	if errors.Is(err, conversation.ErrNotFound) {
		writeFail(w, http.StatusNotFound, "conversation not found")
		return
	}
	s.logger.Error().Err(err).Msg("Conversation request failed")
	writeFail(w, http.StatusInternalServerError, "conversation store unavailable")
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	c, err := s.convs.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.conversationError(w, err)
		return
	}
	writeOK(w, result{"data": c})
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.convs.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.conversationError(w, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleEndConversation(w http.ResponseWriter, r *http.Request) {
	endType := r.URL.Query().Get("endType")
	if endType == "" {
		endType = conversation.EndTypeSystem
	}
	c, err := s.bal.EndConversation(r.Context(), r.PathValue("id"), endType)
	if err != nil {
		s.conversationError(w, err)
		return
	}
	writeOK(w, result{"data": c})
}

func (s *Server) handleConversationSubresource(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	first, second := r.PathValue("first"), r.PathValue("second")

	var (
		data any
		err  error
	)
	page, size := pageParams(r, 20)
	switch {
	case first == "user":
		data, err = s.convs.ForUser(ctx, second, page, size)
	case first == "agent":
		data, err = s.convs.ForAgent(ctx, second, page, size)
	case second == "messages":
		page, size = pageParams(r, 50)
		data, err = s.convs.Messages(ctx, first, page, size)
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.conversationError(w, err)
		return
	}
	writeOK(w, result{"data": data, "page": page, "size": size})
}

// handleActiveConversations returns the open conversation of a
// (userId, agentId) pair when both are given, otherwise a page of all open
// conversations.
func (s *Server) handleActiveConversations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if userID, agentID := q.Get("userId"), q.Get("agentId"); userID != "" && agentID != "" {
		c, err := s.convs.Active(r.Context(), userID, agentID)
		if err != nil {
			s.conversationError(w, err)
			return
		}
		writeOK(w, result{"data": c})
		return
	}

	page, size := pageParams(r, 20)
	list, err := s.convs.ListActive(r.Context(), page, size)
	if err != nil {
		s.conversationError(w, err)
		return
	}
	writeOK(w, result{
		"data":  list,
		"total": s.bal.ActiveSessionsCount(r.Context()),
		"page":  page,
		"size":  size,
	})
}

// /api/token

func (s *Server) handleGenerateToken(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeFail(w, http.StatusBadRequest, "userId is required")
		return
	}
	token, err := s.tokens.Issue(r.Context(), userID)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to issue token")
		writeFail(w, http.StatusInternalServerError, "token store unavailable")
		return
	}
	writeOK(w, result{
		"token":        token,
		"userId":       userID,
		"websocketUrl": s.config.WSPath + "?token=" + token,
	})
}

func (s *Server) handleRemoveToken(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		writeFail(w, http.StatusBadRequest, "token is required")
		return
	}
	if err := s.tokens.RemoveToken(r.Context(), token); err != nil {
		s.logger.Error().Err(err).Msg("Failed to remove token")
		writeFail(w, http.StatusInternalServerError, "token store unavailable")
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleValidateToken(w http.ResponseWriter, r *http.Request) {
	userID, err := s.tokens.Validate(r.Context(), r.URL.Query().Get("token"))
	if err != nil && !errors.Is(err, auth.ErrInvalidToken) {
		s.logger.Error().Err(err).Msg("Failed to validate token")
		writeFail(w, http.StatusInternalServerError, "token store unavailable")
		return
	}
	writeOK(w, result{"valid": err == nil, "userId": userID})
}
