// Package httpserver serves the chat over HTTP, streaming render units to the
// client as server-sent events.
package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"market-chat/internal/domain"
	"market-chat/internal/render"
	"market-chat/internal/usecase"
)

// ChatUseCase is the part of usecase.ChatService the server calls.
type ChatUseCase interface {
	Submit(ctx context.Context, in usecase.SubmitInput, emit usecase.Emit) (usecase.SubmitOutput, error)
	Load(ctx context.Context, id domain.Identity, conversationID string) (usecase.LoadOutput, error)
	Restore(ctx context.Context, state string) ([]domain.RenderUnit, error)
	List(ctx context.Context, id domain.Identity) ([]domain.ConversationSummary, error)
	Rename(ctx context.Context, id domain.Identity, conversationID, title string) error
	Delete(ctx context.Context, id domain.Identity, conversationID string) error
	Create(ctx context.Context, id domain.Identity) (usecase.CreateOutput, error)
	Profile(ctx context.Context, id domain.Identity) (domain.UserProfile, error)
	ResetMessageCount(ctx context.Context, id domain.Identity) error
}

type Server struct {
	uc        ChatUseCase
	presenter *render.Presenter
}

func New(uc ChatUseCase, presenter *render.Presenter) (*Server, error) {
	if uc == nil {
		return nil, errors.New("httpserver: use case must not be nil")
	}
	if presenter == nil {
		presenter = render.NewPresenter(render.NewTradingView("", ""))
	}
	return &Server{uc: uc, presenter: presenter}, nil
}

// Router builds the gin engine with middleware and routes.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(Recovery())
	router.Use(Correlation())
	router.Use(Identity())
	router.Use(Logger())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	{
		v1.POST("/chat", s.Chat)
		v1.POST("/restore", s.Restore)

		convs := v1.Group("/conversations")
		convs.GET("", s.List)
		convs.POST("", s.Create)
		convs.GET("/:id", s.Load)
		convs.PATCH("/:id", s.Rename)
		convs.DELETE("/:id", s.Delete)

		v1.GET("/profile", s.Profile)
		v1.POST("/profile/reset", s.ResetMessageCount)
	}
	return router
}

type chatRequest struct {
	Message        string `json:"message" binding:"required"`
	ConversationID string `json:"conversationId"`
	State          string `json:"state"`
}

type chatDone struct {
	ConversationID string `json:"conversationId"`
	State          string `json:"state"`
	Persisted      bool   `json:"persisted"`
}

type restoreRequest struct {
	State string `json:"state" binding:"required"`
}

type renameRequest struct {
	Title string `json:"title" binding:"required"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// Chat runs one dispatch cycle. Units are streamed as "unit" events and the
// cycle ends with a "done" event. Errors raised before the first unit are
// returned as plain JSON.
func (s *Server) Chat(c *gin.Context) {
	ctx := c.Request.Context()

	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.WarnContext(ctx, "invalid request body", "err", err)
		c.JSON(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_body"})
		return
	}

	stream := newEventStream(c.Writer)
	out, err := s.uc.Submit(ctx, usecase.SubmitInput{
		Identity:       identityFrom(ctx),
		ConversationID: req.ConversationID,
		Message:        req.Message,
		State:          req.State,
	}, func(u domain.RenderUnit) {
		stream.send("unit", s.presenter.View(u))
	})
	if err != nil {
		status, body := failure(ctx, err)
		if !stream.started {
			c.JSON(status, body)
			return
		}
		stream.send("error", body)
		return
	}
	stream.send("done", chatDone{ConversationID: out.ConversationID, State: out.State, Persisted: out.Persisted})
}

func (s *Server) Restore(c *gin.Context) {
	ctx := c.Request.Context()
	var req restoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.WarnContext(ctx, "invalid request body", "err", err)
		c.JSON(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_body"})
		return
	}
	units, err := s.uc.Restore(ctx, req.State)
	if err != nil {
		c.JSON(failure(ctx, err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"units": s.presenter.Views(units)})
}

func (s *Server) List(c *gin.Context) {
	ctx := c.Request.Context()
	convs, err := s.uc.List(ctx, identityFrom(ctx))
	if err != nil {
		c.JSON(failure(ctx, err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

func (s *Server) Create(c *gin.Context) {
	ctx := c.Request.Context()
	out, err := s.uc.Create(ctx, identityFrom(ctx))
	if err != nil {
		c.JSON(failure(ctx, err))
		return
	}
	c.JSON(http.StatusCreated, gin.H{"conversationId": out.ConversationID, "persisted": out.Persisted})
}

func (s *Server) Load(c *gin.Context) {
	ctx := c.Request.Context()
	out, err := s.uc.Load(ctx, identityFrom(ctx), c.Param("id"))
	if err != nil {
		c.JSON(failure(ctx, err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": out.Conversation, "units": s.presenter.Views(out.Units)})
}

func (s *Server) Rename(c *gin.Context) {
	ctx := c.Request.Context()
	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		slog.WarnContext(ctx, "invalid request body", "err", err)
		c.JSON(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_body"})
		return
	}
	if err := s.uc.Rename(ctx, identityFrom(ctx), c.Param("id"), req.Title); err != nil {
		c.JSON(failure(ctx, err))
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) Delete(c *gin.Context) {
	ctx := c.Request.Context()
	if err := s.uc.Delete(ctx, identityFrom(ctx), c.Param("id")); err != nil {
		c.JSON(failure(ctx, err))
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) Profile(c *gin.Context) {
	ctx := c.Request.Context()
	p, err := s.uc.Profile(ctx, identityFrom(ctx))
	if err != nil {
		c.JSON(failure(ctx, err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": p.ID, "displayName": p.DisplayName, "tier": p.Tier, "messageCount": p.MessageCount})
}

func (s *Server) ResetMessageCount(c *gin.Context) {
	ctx := c.Request.Context()
	if err := s.uc.ResetMessageCount(ctx, identityFrom(ctx)); err != nil {
		c.JSON(failure(ctx, err))
		return
	}
	c.Status(http.StatusNoContent)
}

func failure(ctx context.Context, err error) (int, errorResponse) {
	status, code := usecase.HTTPStatus(err)
	reason := ""
	var uerr *usecase.Error
	if errors.As(err, &uerr) {
		reason = uerr.Reason
	}
	if status >= http.StatusInternalServerError {
		slog.ErrorContext(ctx, "request failed", "code", code, "reason", reason, "err", err)
	} else {
		slog.WarnContext(ctx, "request rejected", "code", code, "reason", reason)
	}
	return status, errorResponse{Error: string(code), Reason: reason}
}
