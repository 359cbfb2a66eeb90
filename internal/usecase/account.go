package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"coach-chat/internal/domain"
)

type UsageOutput struct {
	MessageCount int
	Limit        int
	Entitled     bool
}

// Usage reports today's message count against the free limit. Entitled users
// are not tracked and always report 0.
func (s *ChatService) Usage(ctx context.Context, credential string) (UsageOutput, error) {
	userID, err := s.authenticate(ctx, credential)
	if err != nil {
		return UsageOutput{}, err
	}
	entitled, err := s.isEntitled(ctx, userID)
	if err != nil {
		return UsageOutput{}, err
	}
	out := UsageOutput{Limit: s.cfg.FreeDailyLimit, Entitled: entitled}
	if entitled {
		return out, nil
	}
	out.MessageCount, err = s.quota.GetUsage(ctx, userID, s.now().UTC())
	if err != nil {
		return UsageOutput{}, newError(ErrorInternal, "usage_read_error", err)
	}
	return out, nil
}

// RefreshEntitlement asks the billing provider for the caller's entitlement
// and stores the answer. Called on login, purchase and restore.
func (s *ChatService) RefreshEntitlement(ctx context.Context, credential string) (bool, error) {
	userID, err := s.authenticate(ctx, credential)
	if err != nil {
		return false, err
	}
	entitled, err := s.billing.HasEntitlement(ctx, userID)
	if err != nil {
		return false, newError(ErrorInternal, "billing_lookup_error", err)
	}
	if err := s.entitlements.PutEntitlement(ctx, userID, entitled, s.cfg.EntitlementSource); err != nil {
		return false, newError(ErrorInternal, "entitlement_write_error", err)
	}
	slog.Info("entitlement refreshed", "user_id", userID, "entitled", entitled)
	return entitled, nil
}

// GetProfile returns the caller's profile context. A missing profile is
// returned empty.
func (s *ChatService) GetProfile(ctx context.Context, credential string) (domain.ProfileContext, error) {
	userID, err := s.authenticate(ctx, credential)
	if err != nil {
		return domain.ProfileContext{}, err
	}
	p, err := s.profiles.GetProfile(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ProfileContext{}, nil
		}
		return domain.ProfileContext{}, newError(ErrorInternal, "profile_read_error", err)
	}
	return p, nil
}

// SaveProfile replaces the caller's profile context. Blank entries are
// dropped.
func (s *ChatService) SaveProfile(ctx context.Context, credential string, p domain.ProfileContext) (domain.ProfileContext, error) {
	userID, err := s.authenticate(ctx, credential)
	if err != nil {
		return domain.ProfileContext{}, err
	}
	clean := domain.ProfileContext{
		Values:     compact(p.Values),
		Goals:      compact(p.Goals),
		Challenges: compact(p.Challenges),
	}
	if err := s.profiles.PutProfile(ctx, userID, clean); err != nil {
		return domain.ProfileContext{}, newError(ErrorInternal, "profile_write_error", err)
	}
	return clean, nil
}

func compact(items []string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			out = append(out, it)
		}
	}
	return out
}
