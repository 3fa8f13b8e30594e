package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"mindforge/internal/auth"
	"mindforge/internal/gateway"
	"mindforge/internal/models"
	"mindforge/internal/prompt"
	"mindforge/internal/service/account"
	"mindforge/internal/session"
)

// Accounts covers the user and profile operations the handlers need.
type Accounts interface {
	RegisterUser(ctx context.Context, username, password string) (*models.User, error)
	Login(ctx context.Context, username, password string) (*models.User, error)
	DeleteUser(ctx context.Context, userID int64) error
	GetProfile(ctx context.Context, userID int64) (*models.Profile, error)
	SaveProfile(ctx context.Context, profile *models.Profile) (*models.Profile, error)
}

// Sessions hands out per-user chat sessions.
type Sessions interface {
	Session(ctx context.Context, userID int64) *session.Session
	Evict(userID int64)
}

// Handler wires HTTP routes to the account, session, and gateway layers.
type Handler struct {
	accounts Accounts
	auth     *auth.Service
	sessions Sessions
	gateway  session.Gateway
}

// NewHandler constructs a Handler instance.
func NewHandler(accounts *account.Service, authService *auth.Service, sessions *session.Registry, gw session.Gateway) *Handler {
	return &Handler{
		accounts: accounts,
		auth:     authService,
		sessions: sessions,
		gateway:  gw,
	}
}

// check token userID is match with param userID
func (h *Handler) requirePathUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := auth.UserIDFromContext(c)
		if !ok || userID <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		paramID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || paramID <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
			return
		}
		if paramID != userID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "user mismatch"})
			return
		}
		c.Next()
	}
}

func (h *Handler) authorizedUserID(c *gin.Context) (int64, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok || userID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return 0, false
	}
	return userID, true
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/users/register", h.registerUser)
	api.POST("/users/login", h.loginUser)
	authMW := h.auth.Middleware()
	userRoutes := api.Group("/users/:id")
	userRoutes.Use(authMW, h.requirePathUser(), h.auth.CSRFMiddleware())
	userRoutes.GET("/profile", h.getProfile)
	userRoutes.PUT("/profile", h.saveProfile)
	userRoutes.POST("/chat/msg", h.sendChatMessage)
	userRoutes.GET("/chat/messages", h.getChatMessages)
	userRoutes.DELETE("/chat/messages", h.clearChatMessages)
	userRoutes.POST("/explain", h.explainTopic)
	userRoutes.POST("/logout", h.logoutUser)
	userRoutes.DELETE("", h.deleteUser)
}

// User create&login interface
type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.accounts.RegisterUser(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
	})
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.accounts.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	authToken, err := h.auth.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	h.setAuthCookies(c, authToken, csrfToken)
	c.JSON(http.StatusOK, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
		"auth_token": authToken,
	})
}

func (h *Handler) logoutUser(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	h.sessions.Evict(userID)
	if authToken, ok := auth.AuthTokenFromContext(c); ok {
		_ = h.auth.RevokeToken(c.Request.Context(), authToken)
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteUser(c *gin.Context) {
	id, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	if err := h.auth.RevokeUserTokens(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.sessions.Evict(id)
	if err := h.accounts.DeleteUser(c.Request.Context(), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

// Profile interface
type profileRequest struct {
	PrimaryPurpose     string `json:"primary_purpose"`
	KnowledgeLevel     string `json:"knowledge_level"`
	ExplanationStyle   string `json:"explanation_style"`
	ResponseLength     string `json:"response_length"`
	LearningPreference string `json:"learning_preference"`
}

func (h *Handler) getProfile(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	profile, err := h.accounts.GetProfile(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if profile == nil {
		c.JSON(http.StatusOK, gin.H{"profile": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": profile})
}

func (h *Handler) saveProfile(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req profileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	profile := &models.Profile{
		UserID:             userID,
		PrimaryPurpose:     req.PrimaryPurpose,
		KnowledgeLevel:     req.KnowledgeLevel,
		ExplanationStyle:   req.ExplanationStyle,
		ResponseLength:     req.ResponseLength,
		LearningPreference: req.LearningPreference,
	}
	saved, err := h.accounts.SaveProfile(c.Request.Context(), profile)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": saved})
}

func (h *Handler) getChatMessages(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	sess := h.sessions.Session(c.Request.Context(), userID)
	messages := sess.Transcript()
	if messages == nil {
		messages = make([]models.Message, 0)
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (h *Handler) clearChatMessages(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	sess := h.sessions.Session(c.Request.Context(), userID)
	if err := sess.Clear(c.Request.Context()); err != nil {
		if errors.Is(err, session.ErrBusy) {
			c.JSON(http.StatusConflict, gin.H{"error": "a response is being generated, try again shortly"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// User input interface
type inputRequest struct {
	Content string `json:"content"`
}

func (h *Handler) sendChatMessage(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req inputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if strings.TrimSpace(req.Content) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message cannot be empty"})
		return
	}

	profile, err := h.accounts.GetProfile(c.Request.Context(), userID)
	if err != nil {
		// A missing profile is not fatal; the generic prompt applies.
		log.Printf("load profile user=%d: %v", userID, err)
		profile = nil
	}
	sess := h.sessions.Session(c.Request.Context(), userID)
	if sess.Busy() {
		c.JSON(http.StatusConflict, gin.H{"error": "a response is already being generated"})
		return
	}

	streamCtx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Minute)
	defer cancel()
	// SSE Request construction
	sendEvent, ok := sseWriter(c)
	if !ok {
		return
	}

	messageStarted := false
	result, err := sess.Send(streamCtx, req.Content, profile, session.Callbacks{
		UserAccepted: func(msg models.Message) error {
			messageStarted = true
			return sendEvent("ack", gin.H{"message": messagePayload(msg)})
		},
		Delta: func(chunk string) error {
			return sendEvent("stream", gin.H{"content": chunk})
		},
	})
	if err != nil {
		if !messageStarted {
			switch {
			case errors.Is(err, session.ErrEmptyMessage):
				_ = sendEvent("error", gin.H{"code": "empty_message", "message": "message cannot be empty"})
			case errors.Is(err, session.ErrBusy):
				_ = sendEvent("error", gin.H{"code": "busy", "message": "a response is already being generated"})
			default:
				_ = sendEvent("error", streamFailurePayload(err))
			}
			return
		}
		_ = sendEvent("error", streamFailurePayload(err))
		return
	}

	payload := gin.H{"user_message": messagePayload(result.UserMessage)}
	if result.AssistantMessage != nil {
		payload["ai_message"] = messagePayload(*result.AssistantMessage)
	}
	_ = sendEvent("done", payload)
}

func (h *Handler) explainTopic(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req prompt.ExplainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Topic == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "topic is required"})
		return
	}

	if req.AdaptToBackground && req.UserKnowledgeLevel == "" {
		if profile, err := h.accounts.GetProfile(c.Request.Context(), userID); err == nil && profile != nil {
			req.UserKnowledgeLevel = profile.KnowledgeLevel
			req.UserDomain = profile.PrimaryPurpose
		}
	}

	streamCtx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Minute)
	defer cancel()
	sendEvent, ok := sseWriter(c)
	if !ok {
		return
	}

	msgs := []gateway.ChatMessage{{Role: "user", Content: prompt.ExplainUserMessage(req)}}
	full, err := h.gateway.StreamChat(streamCtx, prompt.ComposeExplain(req), msgs, func(chunk string) error {
		return sendEvent("stream", gin.H{"content": chunk})
	})
	if err != nil {
		_ = sendEvent("error", streamFailurePayload(err))
		return
	}
	_ = sendEvent("done", gin.H{"content": full})
}

// sseWriter switches the response into event-stream mode and returns the
// event emitter. When the writer cannot stream it answers with a JSON error
// and reports false.
func sseWriter(c *gin.Context) (func(event string, payload interface{}) error, bool) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return nil, false
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	return func(event string, payload interface{}) error {
		var data []byte
		switch v := payload.(type) {
		case string:
			data = []byte(v)
		default:
			var err error
			data, err = json.Marshal(v)
			if err != nil {
				return err
			}
		}
		if event != "" {
			if _, err := fmt.Fprintf(c.Writer, "event: %s\n", event); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}, true
}

func messagePayload(m models.Message) gin.H {
	return gin.H{
		"id":             m.ID,
		"client_temp_id": m.ClientTempID,
		"user_id":        m.UserID,
		"role":           m.Role,
		"content":        m.Content,
		"created_at":     m.CreatedAt,
	}
}

// streamFailurePayload maps gateway failures to the codes and messages the
// frontend shows verbatim.
func streamFailurePayload(err error) gin.H {
	switch {
	case errors.Is(err, gateway.ErrRateLimited):
		return gin.H{"code": "rate_limited", "message": "Rate limit exceeded. Please wait a moment and try again."}
	case errors.Is(err, gateway.ErrQuotaExhausted):
		return gin.H{"code": "quota_exhausted", "message": "AI credits exhausted. Please add credits to continue."}
	default:
		return gin.H{"code": "transport", "message": "Failed to get a response. Please try again."}
	}
}

func (h *Handler) setAuthCookies(c *gin.Context, authToken, csrfToken string) {
	ttl := int(h.auth.TokenTTL().Seconds())
	if ttl <= 0 {
		ttl = 3600
	}
	secure := gin.Mode() == gin.ReleaseMode
	setCookie(c, &http.Cookie{
		Name:     h.auth.AuthCookieName(),
		Value:    authToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	setCookie(c, &http.Cookie{
		Name:     h.auth.CSRFCookieName(),
		Value:    csrfToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	for _, name := range []string{h.auth.AuthCookieName(), h.auth.CSRFCookieName()} {
		setCookie(c, &http.Cookie{
			Name:     name,
			Value:    "",
			MaxAge:   -1,
			Path:     "/",
			Secure:   gin.Mode() == gin.ReleaseMode,
			HttpOnly: name == h.auth.AuthCookieName(),
			SameSite: http.SameSiteStrictMode,
		})
	}
}

func setCookie(c *gin.Context, ck *http.Cookie) {
	if ck == nil {
		return
	}
	http.SetCookie(c.Writer, ck)
}
