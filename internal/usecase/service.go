package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"coach-chat/internal/domain"
)

const (
	defaultFreeDailyLimit       = 10
	defaultMaxContextTurns      = 20
	defaultMaxMessageLen        = 4000
	defaultModelTimeout         = 30 * time.Second
	defaultFreeCustomCoachLimit = 1
)

type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (string, error)
}

type ConversationStore interface {
	GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error)
	FindConversation(ctx context.Context, ownerID, coachID string) (domain.Conversation, error)
	CreateConversation(ctx context.Context, ownerID, coachID string) (domain.Conversation, error)
	ListConversations(ctx context.Context, ownerID string) ([]domain.Conversation, error)
	AppendExchange(ctx context.Context, conv domain.Conversation, userText, assistantText string) ([]domain.Turn, error)
	RecentTurns(ctx context.Context, conversationID string, limit int) ([]domain.Turn, error)
	ListTurns(ctx context.Context, conversationID string) ([]domain.Turn, error)
	LastTurn(ctx context.Context, conversationID string) (*domain.Turn, error)
}

type QuotaLedger interface {
	GetUsage(ctx context.Context, ownerID string, day time.Time) (int, error)
	IncrementUsage(ctx context.Context, ownerID string, day time.Time) (int, error)
}

type EntitlementStore interface {
	GetEntitlement(ctx context.Context, ownerID string) (bool, error)
	PutEntitlement(ctx context.Context, ownerID string, unlimited bool, source string) error
}

type PersonaStore interface {
	GetPersona(ctx context.Context, personaID string) (domain.Persona, error)
	ListPersonasByCreator(ctx context.Context, creatorID string) ([]domain.Persona, error)
	CreatePersona(ctx context.Context, p domain.Persona) (domain.Persona, error)
}

type ProfileStore interface {
	GetProfile(ctx context.Context, ownerID string) (domain.ProfileContext, error)
	PutProfile(ctx context.Context, ownerID string, p domain.ProfileContext) error
}

type ModelGateway interface {
	Generate(ctx context.Context, model, system string, messages []domain.ChatMessage) (string, error)
}

type EntitlementChecker interface {
	HasEntitlement(ctx context.Context, userID string) (bool, error)
}

type PersonaCatalog interface {
	Lookup(id string) (domain.Persona, bool)
	All() []domain.Persona
}

// RateLimiter reports whether another request under key may proceed now.
type RateLimiter interface {
	Allow(key string) bool
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// Deps are the collaborators of ChatService. All are required except Limiter.
type Deps struct {
	Auth          Authenticator
	Conversations ConversationStore
	Quota         QuotaLedger
	Entitlements  EntitlementStore
	Personas      PersonaStore
	Profiles      ProfileStore
	Gateway       ModelGateway
	Billing       EntitlementChecker
	Catalog       PersonaCatalog
	// Limiter throttles authenticated callers by user id.
	Limiter RateLimiter
}

// Config tunes limits and model routing. Zero values take defaults.
type Config struct {
	FreeDailyLimit       int
	MaxContextTurns      int
	MaxMessageLen        int
	ModelTimeout         time.Duration
	StandardModel        string
	PremiumModel         string
	FreeCustomCoachLimit int
	EntitlementSource    string
}

// ChatService is the server side of coach chat.
type ChatService struct {
	auth          Authenticator
	conversations ConversationStore
	quota         QuotaLedger
	entitlements  EntitlementStore
	personas      PersonaStore
	profiles      ProfileStore
	gateway       ModelGateway
	billing       EntitlementChecker
	catalog       PersonaCatalog
	limiter       RateLimiter

	cfg Config
	now func() time.Time
}

func NewChatService(d Deps, cfg Config) (*ChatService, error) {
	switch {
	case d.Auth == nil:
		return nil, errors.New("usecase: authenticator must not be nil")
	case d.Conversations == nil:
		return nil, errors.New("usecase: conversation store must not be nil")
	case d.Quota == nil:
		return nil, errors.New("usecase: quota ledger must not be nil")
	case d.Entitlements == nil:
		return nil, errors.New("usecase: entitlement store must not be nil")
	case d.Personas == nil:
		return nil, errors.New("usecase: persona store must not be nil")
	case d.Profiles == nil:
		return nil, errors.New("usecase: profile store must not be nil")
	case d.Gateway == nil:
		return nil, errors.New("usecase: model gateway must not be nil")
	case d.Billing == nil:
		return nil, errors.New("usecase: billing checker must not be nil")
	case d.Catalog == nil:
		return nil, errors.New("usecase: persona catalog must not be nil")
	}

	cfg.StandardModel = strings.TrimSpace(cfg.StandardModel)
	cfg.PremiumModel = strings.TrimSpace(cfg.PremiumModel)
	if cfg.StandardModel == "" {
		return nil, errors.New("usecase: standard model must not be empty")
	}
	if cfg.PremiumModel == "" {
		cfg.PremiumModel = cfg.StandardModel
	}
	if cfg.FreeDailyLimit <= 0 {
		cfg.FreeDailyLimit = defaultFreeDailyLimit
	}
	if cfg.MaxContextTurns <= 0 {
		cfg.MaxContextTurns = defaultMaxContextTurns
	}
	if cfg.MaxMessageLen <= 0 {
		cfg.MaxMessageLen = defaultMaxMessageLen
	}
	if cfg.ModelTimeout <= 0 {
		cfg.ModelTimeout = defaultModelTimeout
	}
	if cfg.FreeCustomCoachLimit <= 0 {
		cfg.FreeCustomCoachLimit = defaultFreeCustomCoachLimit
	}
	if cfg.EntitlementSource == "" {
		cfg.EntitlementSource = "revenuecat"
	}

	return &ChatService{
		auth:          d.Auth,
		conversations: d.Conversations,
		quota:         d.Quota,
		entitlements:  d.Entitlements,
		personas:      d.Personas,
		profiles:      d.Profiles,
		gateway:       d.Gateway,
		billing:       d.Billing,
		catalog:       d.Catalog,
		limiter:       d.Limiter,
		cfg:           cfg,
		now:           time.Now,
	}, nil
}

// FreeDailyLimit is the number of messages a non-entitled user may send per
// UTC day.
func (s *ChatService) FreeDailyLimit() int {
	return s.cfg.FreeDailyLimit
}

func (s *ChatService) authenticate(ctx context.Context, credential string) (string, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return "", newError(ErrorAuthInvalid, "missing_credential", nil)
	}
	userID, err := s.auth.Authenticate(ctx, credential)
	if errors.Is(err, domain.ErrInvalidCredential) {
		return "", newError(ErrorAuthInvalid, "credential_rejected", err)
	}
	if err != nil {
		slog.Error("identity provider check failed", "err", err)
		return "", newError(ErrorInternal, "auth_provider_error", err)
	}
	if strings.TrimSpace(userID) == "" {
		return "", newError(ErrorAuthInvalid, "credential_without_subject", nil)
	}
	if s.limiter != nil && !s.limiter.Allow("user:"+userID) {
		return "", newError(ErrorRateLimited, "too_many_requests", nil)
	}
	return userID, nil
}

func (s *ChatService) isEntitled(ctx context.Context, userID string) (bool, error) {
	entitled, err := s.entitlements.GetEntitlement(ctx, userID)
	if err != nil {
		return false, newError(ErrorInternal, "entitlement_read_error", err)
	}
	return entitled, nil
}

// resolvePersona applies the accessibility rule. Prebuilt personas come from
// the catalog, custom ones from storage.
func (s *ChatService) resolvePersona(ctx context.Context, userID, coachID string) (domain.Persona, error) {
	if p, ok := s.catalog.Lookup(coachID); ok {
		return p, nil
	}
	p, err := s.personas.GetPersona(ctx, coachID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Persona{}, newError(ErrorNotFound, "coach_not_found", nil)
		}
		return domain.Persona{}, newError(ErrorInternal, "coach_read_error", err)
	}
	if !p.AccessibleTo(userID) {
		return domain.Persona{}, newError(ErrorForbidden, "coach_not_accessible", nil)
	}
	return p, nil
}

// ownedConversation loads conversationID and checks that userID owns it.
func (s *ChatService) ownedConversation(ctx context.Context, userID, conversationID string) (domain.Conversation, error) {
	conv, err := s.conversations.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Conversation{}, newError(ErrorNotFound, "conversation_not_found", nil)
		}
		return domain.Conversation{}, newError(ErrorInternal, "conversation_read_error", err)
	}
	if conv.OwnerID != userID {
		return domain.Conversation{}, newError(ErrorForbidden, "conversation_not_owned", nil)
	}
	return conv, nil
}

// findConversation returns the (owner, coach) conversation or an empty one.
func (s *ChatService) findConversation(ctx context.Context, userID, coachID string) (domain.Conversation, error) {
	conv, err := s.conversations.FindConversation(ctx, userID, coachID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Conversation{}, nil
		}
		return domain.Conversation{}, newError(ErrorInternal, "conversation_read_error", err)
	}
	return conv, nil
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
