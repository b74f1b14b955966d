package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/parley-chat/parley/internal/backend"
	"github.com/parley-chat/parley/internal/bus"
	"github.com/parley-chat/parley/internal/call"
	"github.com/parley-chat/parley/internal/observability"
	"github.com/parley-chat/parley/internal/outbox"
	"github.com/parley-chat/parley/internal/session"
	"github.com/parley-chat/parley/internal/state"
	"github.com/parley-chat/parley/internal/status"
	intsync "github.com/parley-chat/parley/internal/sync"
	"github.com/parley-chat/parley/internal/transport"
)

// Server exposes the daemon's local API over the session's Unix socket.
type Server struct {
	params    Params
	logger    *zap.Logger
	machine   *status.Machine
	store     *state.Store
	backend   *backend.Client
	transport *transport.Client
	engine    *intsync.Engine
	searcher  *intsync.Searcher
	sender    *outbox.Sender
	calls     *call.Coordinator
	bus       *bus.Bus
	startedAt time.Time

	httpSrv    *http.Server
	listener   net.Listener
	socketPath string

	mu            sync.Mutex
	user          *state.User
	sessionCancel context.CancelFunc
}

// NewServer creates the local API server bound to the session's Unix
// domain socket.
func NewServer(
	p Params,
	logger *zap.Logger,
	machine *status.Machine,
	st *state.Store,
	be *backend.Client,
	tc *transport.Client,
	engine *intsync.Engine,
	searcher *intsync.Searcher,
	sender *outbox.Sender,
	calls *call.Coordinator,
	b *bus.Bus,
) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = session.SocketPath(p.SessionName)
	}

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	s := &Server{
		params:     p,
		logger:     logger,
		machine:    machine,
		store:      st,
		backend:    be,
		transport:  tc,
		engine:     engine,
		searcher:   searcher,
		sender:     sender,
		calls:      calls,
		bus:        b,
		startedAt:  time.Now(),
		listener:   listener,
		socketPath: socketPath,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), observability.HTTPMetricsMiddleware())
	s.routes(router)
	s.httpSrv = &http.Server{Handler: router}

	return s, nil
}

// Start begins serving local API requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("local API listening", zap.String("socket", s.socketPath))
	err := s.httpSrv.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop performs a graceful shutdown and removes the socket file.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("local API stopping")
	s.endSession()
	_ = s.httpSrv.Shutdown(ctx)
	_ = os.Remove(s.socketPath)
}

func (s *Server) routes(r *gin.Engine) {
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	v1.GET("/status", s.handleStatus)
	v1.GET("/events", s.handleEvents)

	v1.POST("/auth/register", s.handleRegister)
	v1.POST("/auth/login", s.handleLogin)
	v1.POST("/auth/verify-otp", s.handleVerifyOTP)
	v1.POST("/auth/logout", s.handleLogout)

	v1.GET("/conversations", s.handleConversations)
	v1.POST("/conversations/:id/open", s.handleOpenConversation)
	v1.POST("/conversations/close", s.handleCloseConversation)
	v1.DELETE("/conversations/:id", s.handleDeleteConversation)
	v1.GET("/conversations/:id/messages", s.handleMessages)

	v1.POST("/chats", s.handleStartChat)

	v1.POST("/messages", s.handleSend)
	v1.POST("/messages/:id/retry", s.handleRetry)
	v1.PUT("/messages/:id", s.handleEdit)
	v1.DELETE("/messages/:id", s.handleDeleteMessage)
	v1.POST("/messages/:id/forward", s.handleForward)

	v1.GET("/media/:publicId", s.handleMediaURL)

	v1.GET("/users/search", s.handleSearch)
	v1.POST("/users/search", s.handleSearchTyping)
	v1.GET("/online", s.handleOnline)

	v1.GET("/call", s.handleCallState)
	v1.POST("/call", s.handleCallStart)
	v1.POST("/call/accept", s.handleCallAccept)
	v1.POST("/call/reject", s.handleCallReject)
	v1.POST("/call/end", s.handleCallEnd)
}

// beginSession wires the authenticated user into the runtime: local user
// ids, the realtime socket, and the initial authoritative fetch.
func (s *Server) beginSession(ctx context.Context, user *state.User) error {
	s.mu.Lock()
	if s.sessionCancel != nil {
		s.mu.Unlock()
		return errors.New("session already active")
	}
	sessCtx, cancel := context.WithCancel(context.Background())
	s.sessionCancel = cancel
	s.user = user
	s.mu.Unlock()

	s.store.SetLocalUser(user.ID)
	s.calls.SetLocalUser(user.ID)

	_ = s.machine.Transition(status.Connecting)
	s.transport.Start(sessCtx, user.ID)
	_ = s.machine.Transition(status.Syncing)

	if err := s.engine.Bootstrap(ctx); err != nil {
		s.logger.Error("bootstrap failed", zap.Error(err))
		_ = s.machine.Transition(status.Error)
		s.endSession()
		return err
	}
	_ = s.machine.Transition(status.Ready)
	s.logger.Info("session ready",
		zap.String("user_id", user.ID),
		zap.String("username", user.Username))
	return nil
}

func (s *Server) endSession() {
	s.mu.Lock()
	cancel := s.sessionCancel
	s.sessionCancel = nil
	s.user = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	s.calls.End(context.Background())
	s.transport.Stop()
	cancel()
	s.store.SetLocalUser("")
	s.store.ClearSelection()
	s.store.LoadConversations(nil)
}

func (s *Server) currentUser() *state.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

func (s *Server) handleStatus(c *gin.Context) {
	resp := gin.H{
		"session":   s.params.SessionName,
		"status":    string(s.machine.Current()),
		"uptime_ms": time.Since(s.startedAt).Milliseconds(),
		"connected": s.transport.Connected(),
	}
	if u := s.currentUser(); u != nil {
		resp["user"] = u
		resp["conversation_count"] = len(s.store.Conversations())
		if selected := s.store.Selected(); selected != "" {
			resp["open_conversation"] = selected
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleRegister(c *gin.Context) {
	var creds backend.Credentials
	if err := c.ShouldBindJSON(&creds); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.backend.Register(c.Request.Context(), creds); err != nil {
		writeBackendError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"registered": true})
}

func (s *Server) handleLogin(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := s.backend.SignIn(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		writeBackendError(c, err)
		return
	}
	if err := s.beginSession(c.Request.Context(), user); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user, "status": string(s.machine.Current())})
}

func (s *Server) handleVerifyOTP(c *gin.Context) {
	var req struct {
		Email string `json:"email" binding:"required"`
		Code  string `json:"code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.backend.VerifyOTP(c.Request.Context(), req.Email, req.Code); err != nil {
		writeBackendError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"verified": true})
}

func (s *Server) handleLogout(c *gin.Context) {
	if err := s.backend.Logout(c.Request.Context()); err != nil {
		s.logger.Warn("backend logout", zap.Error(err))
	}
	s.endSession()
	_ = s.machine.Transition(status.AuthRequired)
	c.JSON(http.StatusOK, gin.H{"status": string(s.machine.Current())})
}

func (s *Server) handleConversations(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"conversations": s.store.Conversations()})
}

func (s *Server) handleOpenConversation(c *gin.Context) {
	id := c.Param("id")
	if err := s.engine.Open(c.Request.Context(), id); err != nil {
		if errors.Is(err, state.ErrUnknownConversation) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		writeBackendError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"open_conversation": id, "messages": s.store.Messages()})
}

func (s *Server) handleCloseConversation(c *gin.Context) {
	s.engine.Close()
	c.JSON(http.StatusOK, gin.H{"open_conversation": nil})
}

func (s *Server) handleDeleteConversation(c *gin.Context) {
	if err := s.engine.Delete(c.Request.Context(), c.Param("id")); err != nil {
		writeBackendError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (s *Server) handleMessages(c *gin.Context) {
	id := c.Param("id")
	if s.store.Selected() != id {
		c.JSON(http.StatusConflict, gin.H{"error": "conversation is not open"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": s.store.Messages()})
}

func (s *Server) handleStartChat(c *gin.Context) {
	var partner state.User
	if err := c.ShouldBindJSON(&partner); err != nil || partner.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user id required"})
		return
	}
	id, err := s.engine.StartChat(partner, uuid.NewString())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation_id": id})
}

func (s *Server) handleSend(c *gin.Context) {
	var conversationID, recipientID, text string
	var attachments []outbox.Attachment

	if strings.HasPrefix(c.ContentType(), "multipart/") {
		form, err := c.MultipartForm()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		conversationID = c.PostForm("conversationId")
		recipientID = c.PostForm("recipientId")
		text = c.PostForm("message")
		for _, fh := range form.File["files"] {
			f, err := fh.Open()
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			data, err := io.ReadAll(f)
			_ = f.Close()
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			attachments = append(attachments, outbox.Attachment{
				Name:        fh.Filename,
				ContentType: fh.Header.Get("Content-Type"),
				Data:        data,
			})
		}
	} else {
		var req struct {
			ConversationID string `json:"conversationId"`
			RecipientID    string `json:"recipientId"`
			Text           string `json:"text"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		conversationID, recipientID, text = req.ConversationID, req.RecipientID, req.Text
	}

	if text == "" && len(attachments) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty message"})
		return
	}
	if conversationID == "" || recipientID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversationId and recipientId required"})
		return
	}

	tempID := s.sender.Send(conversationID, recipientID, text, attachments)
	c.JSON(http.StatusAccepted, gin.H{"temp_id": tempID})
}

func (s *Server) handleRetry(c *gin.Context) {
	// The outbox keeps the original request, attachments included, so
	// retry needs no body.
	if !s.sender.Retry(c.Param("id")) {
		c.JSON(http.StatusConflict, gin.H{"error": "message is not in the failed state"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"temp_id": c.Param("id")})
}

func (s *Server) handleEdit(c *gin.Context) {
	var req struct {
		NewText        string `json:"newText" binding:"required"`
		ConversationID string `json:"conversationId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := c.Param("id")
	msg, err := s.backend.EditMessage(c.Request.Context(), id, req.NewText)
	if err != nil {
		writeBackendError(c, err)
		return
	}
	s.store.ApplyMessageEdited(id, req.NewText)
	// Peers learn about the edit over the socket, not through the REST echo.
	if err := s.transport.Emit("messageEdited", map[string]string{
		"messageId":      id,
		"newText":        req.NewText,
		"conversationId": req.ConversationID,
	}); err != nil {
		s.logger.Debug("edit broadcast failed", zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

func (s *Server) handleDeleteMessage(c *gin.Context) {
	id := c.Param("id")
	var err error
	if c.Query("scope") == "me" {
		err = s.backend.DeleteMessageForMe(c.Request.Context(), id)
	} else {
		err = s.backend.DeleteMessage(c.Request.Context(), id)
	}
	if err != nil {
		writeBackendError(c, err)
		return
	}
	s.store.RemoveMessage(id)
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (s *Server) handleForward(c *gin.Context) {
	var req struct {
		ConversationID string `json:"conversationId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.backend.ForwardMessage(c.Request.Context(), c.Param("id"), req.ConversationID); err != nil {
		writeBackendError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"forwarded": true})
}

func (s *Server) handleMediaURL(c *gin.Context) {
	url, err := s.backend.SignedMediaURL(c.Request.Context(), c.Param("publicId"))
	if err != nil {
		writeBackendError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url})
}

func (s *Server) handleSearch(c *gin.Context) {
	q := c.Query("q")
	if q == "" {
		c.JSON(http.StatusOK, gin.H{"users": []state.User{}})
		return
	}
	users, err := s.backend.SearchUsers(c.Request.Context(), q)
	if err != nil {
		writeBackendError(c, err)
		return
	}
	localID := s.store.LocalUser()
	filtered := make([]state.User, 0, len(users))
	for _, u := range users {
		if u.ID != localID {
			filtered = append(filtered, u)
		}
	}
	c.JSON(http.StatusOK, gin.H{"users": filtered})
}

// handleSearchTyping feeds the debouncer; settled results arrive on the
// event stream as chat.search_results.
func (s *Server) handleSearchTyping(c *gin.Context) {
	var req struct {
		Query string `json:"query"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.searcher.Query(req.Query)
	c.JSON(http.StatusAccepted, gin.H{"query": req.Query})
}

func (s *Server) handleOnline(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"online": s.store.Online()})
}

func (s *Server) handleCallState(c *gin.Context) {
	c.JSON(http.StatusOK, s.calls.Current())
}

func (s *Server) handleCallStart(c *gin.Context) {
	var req struct {
		UserID   string `json:"userId" binding:"required"`
		Name     string `json:"name"`
		CallType string `json:"callType"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.calls.StartCall(c.Request.Context(), req.UserID, req.Name, req.CallType); err != nil {
		if errors.Is(err, call.ErrBusy) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.calls.Current())
}

func (s *Server) handleCallAccept(c *gin.Context) {
	if err := s.calls.Accept(c.Request.Context()); err != nil {
		writeCallError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.calls.Current())
}

func (s *Server) handleCallReject(c *gin.Context) {
	if err := s.calls.Reject(); err != nil {
		writeCallError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.calls.Current())
}

func (s *Server) handleCallEnd(c *gin.Context) {
	s.calls.End(c.Request.Context())
	c.JSON(http.StatusOK, s.calls.Current())
}

func writeCallError(c *gin.Context, err error) {
	if errors.Is(err, call.ErrBadState) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
}

func writeBackendError(c *gin.Context, err error) {
	var apiErr *backend.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.Status
		if code < 400 {
			code = http.StatusBadGateway
		}
		c.JSON(code, gin.H{"error": apiErr.Message})
		return
	}
	c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
}
