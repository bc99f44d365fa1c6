package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"market-chat/internal/domain"
	"market-chat/internal/logger"
	"market-chat/internal/render"
	"market-chat/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

// ChatUseCase is the part of usecase.ChatService the handler calls.
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

type Handler struct {
	uc        ChatUseCase
	presenter *render.Presenter
}

type chatRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId"`
	State          string `json:"state"`
}

type chatResponse struct {
	ConversationID string        `json:"conversationId"`
	State          string        `json:"state"`
	Persisted      bool          `json:"persisted"`
	Units          []render.View `json:"units"`
}

type restoreRequest struct {
	State string `json:"state"`
}

type renameRequest struct {
	Title string `json:"title"`
}

type conversationResponse struct {
	Conversation domain.ConversationSummary `json:"conversation"`
	Units        []render.View              `json:"units"`
}

type unitsResponse struct {
	Units []render.View `json:"units"`
}

type listResponse struct {
	Conversations []domain.ConversationSummary `json:"conversations"`
}

type createResponse struct {
	ConversationID string `json:"conversationId"`
	Persisted      bool   `json:"persisted"`
}

type profileResponse struct {
	ID           string      `json:"id"`
	DisplayName  string      `json:"displayName,omitempty"`
	Tier         domain.Tier `json:"tier"`
	MessageCount int         `json:"messageCount"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func NewHandler(uc ChatUseCase, presenter *render.Presenter) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	if presenter == nil {
		presenter = render.NewPresenter(render.NewTradingView("", ""))
	}
	return &Handler{uc: uc, presenter: presenter}, nil
}

// Handle routes one API Gateway proxy request.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := header(event.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	id := identity(event)
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		CorrelationID: correlationID,
		UserID:        id.UserID,
		Component:     "lambda",
	})

	status, body := h.route(ctx, event, id)
	resp := jsonResponse(status, body)
	resp.Headers[correlationHeader] = correlationID
	slog.InfoContext(ctx, "request handled", "method", event.HTTPMethod, "path", event.Path, "status", status)
	return resp, nil
}

func (h *Handler) route(ctx context.Context, event events.APIGatewayProxyRequest, id domain.Identity) (int, any) {
	segments := strings.Split(strings.Trim(event.Path, "/"), "/")
	method := event.HTTPMethod

	switch {
	case len(segments) == 1 && segments[0] == "chat" && method == http.MethodPost:
		return h.chat(ctx, event.Body, id)
	case len(segments) == 1 && segments[0] == "restore" && method == http.MethodPost:
		return h.restore(ctx, event.Body)
	case len(segments) == 1 && segments[0] == "conversations":
		switch method {
		case http.MethodGet:
			return h.list(ctx, id)
		case http.MethodPost:
			return h.create(ctx, id)
		}
	case len(segments) == 2 && segments[0] == "conversations":
		convID := conversationID(event, segments[1])
		switch method {
		case http.MethodGet:
			return h.load(ctx, id, convID)
		case http.MethodPatch:
			return h.rename(ctx, event.Body, id, convID)
		case http.MethodDelete:
			return h.delete(ctx, id, convID)
		}
	case len(segments) == 1 && segments[0] == "profile" && method == http.MethodGet:
		return h.profile(ctx, id)
	case len(segments) == 2 && segments[0] == "profile" && segments[1] == "reset" && method == http.MethodPost:
		return h.reset(ctx, id)
	}
	return http.StatusNotFound, errorResponse{Error: string(usecase.ErrorNotFound), Reason: "route_not_found"}
}

func (h *Handler) chat(ctx context.Context, body string, id domain.Identity) (int, any) {
	var req chatRequest
	if err := decodeStrict(body, &req); err != nil {
		return invalidBody(ctx, err)
	}
	ctx = logger.WithLogFields(ctx, logger.LogFields{ConversationID: req.ConversationID})

	var units []domain.RenderUnit
	out, err := h.uc.Submit(ctx, usecase.SubmitInput{
		Identity:       id,
		ConversationID: req.ConversationID,
		Message:        req.Message,
		State:          req.State,
	}, func(u domain.RenderUnit) {
		units = append(units, u)
	})
	if err != nil {
		return failure(ctx, err)
	}
	return http.StatusOK, chatResponse{
		ConversationID: out.ConversationID,
		State:          out.State,
		Persisted:      out.Persisted,
		Units:          h.presenter.Views(render.Settle(units)),
	}
}

func (h *Handler) restore(ctx context.Context, body string) (int, any) {
	var req restoreRequest
	if err := decodeStrict(body, &req); err != nil {
		return invalidBody(ctx, err)
	}
	units, err := h.uc.Restore(ctx, req.State)
	if err != nil {
		return failure(ctx, err)
	}
	return http.StatusOK, unitsResponse{Units: h.presenter.Views(units)}
}

func (h *Handler) list(ctx context.Context, id domain.Identity) (int, any) {
	convs, err := h.uc.List(ctx, id)
	if err != nil {
		return failure(ctx, err)
	}
	return http.StatusOK, listResponse{Conversations: convs}
}

func (h *Handler) create(ctx context.Context, id domain.Identity) (int, any) {
	out, err := h.uc.Create(ctx, id)
	if err != nil {
		return failure(ctx, err)
	}
	return http.StatusCreated, createResponse{ConversationID: out.ConversationID, Persisted: out.Persisted}
}

func (h *Handler) load(ctx context.Context, id domain.Identity, convID string) (int, any) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{ConversationID: convID})
	out, err := h.uc.Load(ctx, id, convID)
	if err != nil {
		return failure(ctx, err)
	}
	return http.StatusOK, conversationResponse{Conversation: out.Conversation, Units: h.presenter.Views(out.Units)}
}

func (h *Handler) rename(ctx context.Context, body string, id domain.Identity, convID string) (int, any) {
	var req renameRequest
	if err := decodeStrict(body, &req); err != nil {
		return invalidBody(ctx, err)
	}
	ctx = logger.WithLogFields(ctx, logger.LogFields{ConversationID: convID})
	if err := h.uc.Rename(ctx, id, convID, req.Title); err != nil {
		return failure(ctx, err)
	}
	return http.StatusNoContent, nil
}

func (h *Handler) delete(ctx context.Context, id domain.Identity, convID string) (int, any) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{ConversationID: convID})
	if err := h.uc.Delete(ctx, id, convID); err != nil {
		return failure(ctx, err)
	}
	return http.StatusNoContent, nil
}

func (h *Handler) profile(ctx context.Context, id domain.Identity) (int, any) {
	p, err := h.uc.Profile(ctx, id)
	if err != nil {
		return failure(ctx, err)
	}
	return http.StatusOK, profileResponse{ID: p.ID, DisplayName: p.DisplayName, Tier: p.Tier, MessageCount: p.MessageCount}
}

func (h *Handler) reset(ctx context.Context, id domain.Identity) (int, any) {
	if err := h.uc.ResetMessageCount(ctx, id); err != nil {
		return failure(ctx, err)
	}
	return http.StatusNoContent, nil
}

func failure(ctx context.Context, err error) (int, any) {
	status, code := usecase.HTTPStatus(err)
	var uerr *usecase.Error
	reason := ""
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

func invalidBody(ctx context.Context, err error) (int, any) {
	slog.WarnContext(ctx, "invalid request body", "err", err)
	return http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_body"}
}

func decodeStrict(body string, v any) error {
	dec := json.NewDecoder(strings.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("handler: decode body: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("handler: decode body: trailing data")
	}
	return nil
}

func jsonResponse(status int, body any) events.APIGatewayProxyResponse {
	resp := events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
	}
	if body == nil {
		return resp
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		slog.Error("failed to encode response", "err", err)
		resp.StatusCode = http.StatusInternalServerError
		resp.Body = `{"error":"INTERNAL_ERROR"}`
		return resp
	}
	resp.Body = strings.TrimSuffix(buf.String(), "\n")
	return resp
}

// identity reads the Cognito authorizer claims. Requests without a subject
// are anonymous.
func identity(event events.APIGatewayProxyRequest) domain.Identity {
	claims, ok := event.RequestContext.Authorizer["claims"].(map[string]any)
	if !ok {
		return domain.Identity{}
	}
	sub, _ := claims["sub"].(string)
	name, _ := claims["name"].(string)
	return domain.Identity{UserID: strings.TrimSpace(sub), DisplayName: strings.TrimSpace(name)}
}

func conversationID(event events.APIGatewayProxyRequest, fallback string) string {
	if id := strings.TrimSpace(event.PathParameters["id"]); id != "" {
		return id
	}
	return fallback
}

func header(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
