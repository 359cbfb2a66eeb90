package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"coach-chat/internal/domain"
	"coach-chat/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"

	// Client-facing error tags that differ from the usecase codes.
	errMessageLimitReached = "MESSAGE_LIMIT_REACHED"
	errAIService           = "AI_SERVICE_ERROR"
)

type ChatUseCase interface {
	Send(ctx context.Context, in usecase.SendInput) (usecase.SendOutput, error)
	ResolveConversation(ctx context.Context, credential, coachID string) (domain.Conversation, error)
	ListConversations(ctx context.Context, credential string) ([]domain.ConversationSummary, error)
	ListTurns(ctx context.Context, credential, conversationID string) ([]domain.Turn, error)
	Usage(ctx context.Context, credential string) (usecase.UsageOutput, error)
	RefreshEntitlement(ctx context.Context, credential string) (bool, error)
	ListCoaches(ctx context.Context, credential string) ([]domain.Persona, error)
	CreateCoach(ctx context.Context, credential string, in usecase.CreateCoachInput) (domain.Persona, error)
	GetProfile(ctx context.Context, credential string) (domain.ProfileContext, error)
	SaveProfile(ctx context.Context, credential string, p domain.ProfileContext) (domain.ProfileContext, error)
}

type sendRequest struct {
	CoachID string `json:"coachId"`
	Message string `json:"message"`
	ChatID  string `json:"chatId,omitempty"`
}

type sendResponse struct {
	Response     string `json:"response"`
	ChatID       string `json:"chatId"`
	MessageCount int    `json:"messageCount"`
	Persisted    *bool  `json:"persisted,omitempty"`
}

type usageResponse struct {
	MessageCount int  `json:"messageCount"`
	Limit        int  `json:"limit"`
	Entitled     bool `json:"entitled"`
}

type entitlementResponse struct {
	Entitled bool `json:"entitled"`
}

type createCoachRequest struct {
	Name         string `json:"name"`
	Avatar       string `json:"avatar"`
	Specialty    string `json:"specialty"`
	Description  string `json:"description"`
	SystemPrompt string `json:"systemPrompt"`
	Public       bool   `json:"isPublic"`
}

type errorResponse struct {
	Error        string `json:"error"`
	Message      string `json:"message,omitempty"`
	MessageCount *int   `json:"messageCount,omitempty"`
}

// Handler serves the API Gateway proxy events of the chat API.
type Handler struct {
	uc       ChatUseCase
	throttle *Throttle
}

type Option func(*Handler)

// WithThrottle rate limits requests that carry no credential by source IP.
// Authenticated callers are limited by user id once the use case has
// verified them.
func WithThrottle(t *Throttle) Option {
	return func(h *Handler) {
		h.throttle = t
	}
}

func NewHandler(uc ChatUseCase, opts ...Option) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	h := &Handler{uc: uc}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Handle routes one request. Failures are always reported in the response,
// so the returned error is nil.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(req.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	log := slog.With("correlation_id", correlationID, "method", req.HTTPMethod, "path", req.Path)

	status, body := h.route(ctx, log, req)
	resp := events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    responseHeaders(correlationID),
		Body:       body,
	}
	log.Info("request handled", "status", status)
	return resp, nil
}

func (h *Handler) route(ctx context.Context, log *slog.Logger, req events.APIGatewayProxyRequest) (int, string) {
	method := strings.ToUpper(req.HTTPMethod)
	segments := splitPath(req.Path)

	if method == http.MethodOptions {
		return http.StatusOK, `{"ok":true}`
	}
	if method == http.MethodGet && len(segments) == 1 && segments[0] == "health" {
		return http.StatusOK, `{"status":"ok"}`
	}

	credential := bearerToken(req.Headers)
	if credential == "" && h.throttle != nil && !h.throttle.Allow("ip:"+req.RequestContext.Identity.SourceIP) {
		log.Warn("request throttled")
		return jsonBody(http.StatusTooManyRequests, errorResponse{Error: string(usecase.ErrorRateLimited), Message: "Too many requests. Please slow down."})
	}

	switch {
	case len(segments) == 1 && segments[0] == "chat" && method == http.MethodPost:
		return h.send(ctx, log, credential, req.Body)

	case len(segments) == 1 && segments[0] == "conversations" && method == http.MethodGet:
		out, err := h.uc.ListConversations(ctx, credential)
		return respond(log, out, err)

	case len(segments) == 2 && segments[0] == "conversations" && segments[1] == "resolve" && method == http.MethodGet:
		out, err := h.uc.ResolveConversation(ctx, credential, req.QueryStringParameters["coachId"])
		return respond(log, out, err)

	case len(segments) == 3 && segments[0] == "conversations" && segments[2] == "turns" && method == http.MethodGet:
		out, err := h.uc.ListTurns(ctx, credential, segments[1])
		return respond(log, out, err)

	case len(segments) == 1 && segments[0] == "usage" && method == http.MethodGet:
		out, err := h.uc.Usage(ctx, credential)
		return respond(log, usageResponse{MessageCount: out.MessageCount, Limit: out.Limit, Entitled: out.Entitled}, err)

	case len(segments) == 2 && segments[0] == "entitlement" && segments[1] == "refresh" && method == http.MethodPost:
		entitled, err := h.uc.RefreshEntitlement(ctx, credential)
		return respond(log, entitlementResponse{Entitled: entitled}, err)

	case len(segments) == 1 && segments[0] == "coaches" && method == http.MethodGet:
		out, err := h.uc.ListCoaches(ctx, credential)
		return respond(log, out, err)

	case len(segments) == 1 && segments[0] == "coaches" && method == http.MethodPost:
		var in createCoachRequest
		if err := json.Unmarshal([]byte(req.Body), &in); err != nil {
			return invalidBody(log, err)
		}
		out, err := h.uc.CreateCoach(ctx, credential, usecase.CreateCoachInput{
			Name:        in.Name,
			Avatar:      in.Avatar,
			Specialty:   in.Specialty,
			Description: in.Description,
			Instruction: in.SystemPrompt,
			Public:      in.Public,
		})
		return respondStatus(log, http.StatusCreated, out, err)

	case len(segments) == 1 && segments[0] == "profile" && method == http.MethodGet:
		out, err := h.uc.GetProfile(ctx, credential)
		return respond(log, out, err)

	case len(segments) == 1 && segments[0] == "profile" && method == http.MethodPut:
		var in domain.ProfileContext
		if err := json.Unmarshal([]byte(req.Body), &in); err != nil {
			return invalidBody(log, err)
		}
		out, err := h.uc.SaveProfile(ctx, credential, in)
		return respond(log, out, err)
	}

	return jsonBody(http.StatusNotFound, errorResponse{Error: string(usecase.ErrorNotFound), Message: "Route not found."})
}

func (h *Handler) send(ctx context.Context, log *slog.Logger, credential, body string) (int, string) {
	var in sendRequest
	if err := json.Unmarshal([]byte(body), &in); err != nil {
		return invalidBody(log, err)
	}
	out, err := h.uc.Send(ctx, usecase.SendInput{
		Credential: credential,
		CoachID:    in.CoachID,
		Message:    in.Message,
		ChatID:     in.ChatID,
	})
	if err != nil {
		return errorToResponse(log, err)
	}
	resp := sendResponse{Response: out.Reply, ChatID: out.ConversationID, MessageCount: out.MessageCount}
	if !out.Persisted {
		persisted := false
		resp.Persisted = &persisted
	}
	return jsonBody(http.StatusOK, resp)
}

func respond(log *slog.Logger, v any, err error) (int, string) {
	return respondStatus(log, http.StatusOK, v, err)
}

func respondStatus(log *slog.Logger, status int, v any, err error) (int, string) {
	if err != nil {
		return errorToResponse(log, err)
	}
	return jsonBody(status, v)
}

func invalidBody(log *slog.Logger, err error) (int, string) {
	log.Info("invalid request body", "err", err)
	return jsonBody(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorBadRequest), Message: "Invalid request body."})
}

// errorToResponse maps usecase failures onto the wire contract. AI failures
// use status 200 so clients that only expose bodies on 2xx still see them.
func errorToResponse(log *slog.Logger, err error) (int, string) {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		log.Error("unexpected error", "err", err)
		return jsonBody(http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal), Message: "Something went wrong."})
	}

	log = log.With("code", ue.Code, "reason", ue.Reason)
	switch ue.Code {
	case usecase.ErrorAuthInvalid:
		log.Info("request rejected", "err", ue.Err)
		return jsonBody(http.StatusUnauthorized, errorResponse{Error: string(ue.Code), Message: "Please sign in again."})
	case usecase.ErrorBadRequest:
		log.Info("request rejected")
		return jsonBody(http.StatusBadRequest, errorResponse{Error: string(ue.Code), Message: "Invalid request."})
	case usecase.ErrorForbidden:
		log.Info("request rejected")
		return jsonBody(http.StatusForbidden, errorResponse{Error: string(ue.Code), Message: "Access denied."})
	case usecase.ErrorCoachLimitReached:
		log.Info("request rejected")
		return jsonBody(http.StatusForbidden, errorResponse{Error: string(ue.Code), Message: "Upgrade to create more coaches."})
	case usecase.ErrorNotFound:
		log.Info("request rejected")
		return jsonBody(http.StatusNotFound, errorResponse{Error: string(ue.Code), Message: "Not found."})
	case usecase.ErrorQuotaExceeded:
		count := ue.Count
		return jsonBody(http.StatusTooManyRequests, errorResponse{
			Error:        errMessageLimitReached,
			Message:      "You've reached your daily message limit. Upgrade for unlimited messages.",
			MessageCount: &count,
		})
	case usecase.ErrorAIUnavailable:
		return jsonBody(http.StatusOK, errorResponse{Error: errAIService, Message: "The AI is temporarily unavailable. Please try again."})
	case usecase.ErrorRateLimited:
		return jsonBody(http.StatusTooManyRequests, errorResponse{Error: string(ue.Code), Message: "Too many requests. Please slow down."})
	default:
		log.Error("request failed", "err", ue.Err)
		return jsonBody(http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal), Message: "Something went wrong."})
	}
}

func jsonBody(status int, v any) (int, string) {
	buf, err := json.Marshal(v)
	if err != nil {
		slog.Error("encode response", "err", err)
		return http.StatusInternalServerError, `{"error":"INTERNAL_ERROR"}`
	}
	return status, string(buf)
}

func responseHeaders(correlationID string) map[string]string {
	return map[string]string{
		"Content-Type":                 "application/json",
		correlationHeader:              correlationID,
		"Access-Control-Allow-Origin":  "*",
		"Access-Control-Allow-Headers": "authorization, apikey, content-type, x-client-info, x-correlation-id",
		"Access-Control-Allow-Methods": "GET, POST, PUT, OPTIONS",
	}
}

// headerValue looks name up case-insensitively.
func headerValue(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return strings.TrimSpace(v)
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func bearerToken(headers map[string]string) string {
	auth := headerValue(headers, "Authorization")
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func splitPath(path string) []string {
	var out []string
	for _, seg := range strings.Split(path, "/") {
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}
