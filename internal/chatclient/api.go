package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"coach-chat/internal/domain"
	"coach-chat/internal/integrations/httpjson"
)

const defaultTimeout = 45 * time.Second

// Wire error tags the chat API puts in the "error" field.
const (
	tagMessageLimit = "MESSAGE_LIMIT_REACHED"
	tagAIService    = "AI_SERVICE_ERROR"
	tagRateLimited  = "RATE_LIMITED"
	tagCoachLimit   = "COACH_LIMIT_REACHED"
)

// API is the chat service as seen by a Controller.
type API interface {
	ResolveConversation(ctx context.Context, coachID string) (domain.Conversation, error)
	ListTurns(ctx context.Context, conversationID string) ([]domain.Turn, error)
	Send(ctx context.Context, in SendRequest) (SendResult, error)
	Usage(ctx context.Context) (Usage, error)
	RefreshEntitlement(ctx context.Context) (bool, error)
}

type SendRequest struct {
	CoachID string `json:"coachId"`
	Message string `json:"message"`
	ChatID  string `json:"chatId,omitempty"`
}

type SendResult struct {
	Reply        string
	ChatID       string
	MessageCount int
	Persisted    bool
}

type Usage struct {
	MessageCount int  `json:"messageCount"`
	Limit        int  `json:"limit"`
	Entitled     bool `json:"entitled"`
}

// TokenSource hands out the identity provider credential. Refresh forces a
// new one from the provider.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

type sendResponse struct {
	Response     string `json:"response"`
	ChatID       string `json:"chatId"`
	MessageCount int    `json:"messageCount"`
	Persisted    *bool  `json:"persisted"`
	Error        string `json:"error"`
}

type errorBody struct {
	Error        string `json:"error"`
	Message      string `json:"message"`
	MessageCount *int   `json:"messageCount"`
}

// HTTPAPI talks to the chat API over HTTP.
type HTTPAPI struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
}

type Option func(*HTTPAPI)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(a *HTTPAPI) {
		a.httpClient = httpClient
	}
}

func NewHTTPAPI(baseURL string, tokens TokenSource, opts ...Option) (*HTTPAPI, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("chatclient: base url is required")
	}
	if tokens == nil {
		return nil, errors.New("chatclient: token source must not be nil")
	}
	a := &HTTPAPI{
		baseURL:    baseURL,
		tokens:     tokens,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *HTTPAPI) ResolveConversation(ctx context.Context, coachID string) (domain.Conversation, error) {
	var out domain.Conversation
	path := "/conversations/resolve?coachId=" + url.QueryEscape(coachID)
	err := a.read(ctx, http.MethodGet, path, &out)
	return out, err
}

func (a *HTTPAPI) ListTurns(ctx context.Context, conversationID string) ([]domain.Turn, error) {
	var out []domain.Turn
	err := a.read(ctx, http.MethodGet, "/conversations/"+url.PathEscape(conversationID)+"/turns", &out)
	return out, err
}

func (a *HTTPAPI) Usage(ctx context.Context) (Usage, error) {
	var out Usage
	err := a.read(ctx, http.MethodGet, "/usage", &out)
	return out, err
}

func (a *HTTPAPI) RefreshEntitlement(ctx context.Context) (bool, error) {
	var out struct {
		Entitled bool `json:"entitled"`
	}
	err := a.read(ctx, http.MethodPost, "/entitlement/refresh", &out)
	return out.Entitled, err
}

// Send always uses a freshly refreshed credential and is never retried.
func (a *HTTPAPI) Send(ctx context.Context, in SendRequest) (SendResult, error) {
	token, err := a.tokens.Refresh(ctx)
	if err != nil {
		return SendResult{}, &Error{Kind: KindAuth, Message: "Could not refresh your session.", Err: err}
	}
	buf, err := a.do(ctx, http.MethodPost, "/chat", token, in)
	if err != nil {
		return SendResult{}, classify(err)
	}

	var res sendResponse
	if err := json.Unmarshal(buf, &res); err != nil {
		return SendResult{}, &Error{Kind: KindUnavailable, Message: "Unexpected response from the chat service.", Err: fmt.Errorf("decode send response: %w", err)}
	}
	// AI failures arrive with a 200 status.
	if res.Error != "" {
		var body errorBody
		_ = json.Unmarshal(buf, &body)
		return SendResult{}, classifyBody(http.StatusOK, body, nil)
	}
	persisted := true
	if res.Persisted != nil {
		persisted = *res.Persisted
	}
	return SendResult{
		Reply:        res.Response,
		ChatID:       res.ChatID,
		MessageCount: res.MessageCount,
		Persisted:    persisted,
	}, nil
}

// read performs an idempotent call, retrying once with a refreshed credential
// after a 401.
func (a *HTTPAPI) read(ctx context.Context, method, path string, out any) error {
	token, err := a.tokens.Token(ctx)
	if err != nil {
		return &Error{Kind: KindAuth, Message: "Not signed in.", Err: err}
	}
	buf, err := a.do(ctx, method, path, token, nil)

	var se *httpjson.HTTPStatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusUnauthorized {
		token, rerr := a.tokens.Refresh(ctx)
		if rerr != nil {
			return &Error{Kind: KindAuth, Message: "Could not refresh your session.", Err: rerr}
		}
		buf, err = a.do(ctx, method, path, token, nil)
	}
	if err != nil {
		return classify(err)
	}
	if err := json.Unmarshal(buf, out); err != nil {
		return &Error{Kind: KindUnavailable, Message: "Unexpected response from the chat service.", Err: fmt.Errorf("decode %s: %w", path, err)}
	}
	return nil
}

func (a *HTTPAPI) do(ctx context.Context, method, path, token string, payload any) ([]byte, error) {
	req, err := httpjson.NewRequest(ctx, method, a.baseURL+path, payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return httpjson.Do(a.httpClient, "chat api", req)
}

// classify turns a transport or status failure into an *Error. The body's
// error tag wins over the status code.
func classify(err error) *Error {
	var se *httpjson.HTTPStatusError
	if !errors.As(err, &se) {
		return &Error{Kind: KindUnavailable, Message: "The chat service is unreachable.", Err: err}
	}
	var body errorBody
	_ = json.Unmarshal([]byte(se.Body), &body)
	return classifyBody(se.StatusCode, body, err)
}

func classifyBody(status int, body errorBody, err error) *Error {
	e := &Error{StatusCode: status, Message: body.Message, Err: err}
	if body.MessageCount != nil {
		e.MessageCount = *body.MessageCount
	}

	switch body.Error {
	case tagMessageLimit:
		e.Kind = KindQuotaExceeded
		return e
	case tagAIService, tagRateLimited:
		e.Kind = KindUnavailable
		return e
	case tagCoachLimit:
		e.Kind = KindCoachLimit
		return e
	}

	switch {
	case status == http.StatusUnauthorized:
		e.Kind = KindAuth
	case status == http.StatusTooManyRequests:
		e.Kind = KindQuotaExceeded
	case status == http.StatusBadRequest:
		e.Kind = KindBadRequest
	case status == http.StatusForbidden:
		e.Kind = KindForbidden
	case status == http.StatusNotFound:
		e.Kind = KindNotFound
	default:
		e.Kind = KindUnavailable
	}
	return e
}
