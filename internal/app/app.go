// Package app wires the chat service from configuration. Both entry points
// use it so the Lambda and the local server run the same graph.
package app

import (
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/google/uuid"

	"coach-chat/handler"
	"coach-chat/internal/catalog"
	"coach-chat/internal/config"
	"coach-chat/internal/integrations/anthropic"
	"coach-chat/internal/integrations/billing"
	"coach-chat/internal/integrations/paramstore"
	"coach-chat/internal/integrations/supabaseauth"
	"coach-chat/internal/repository"
	"coach-chat/internal/usecase"
)

const (
	paramAnthropicToken = "anthropic-token"
	paramJWTSecret      = "supabase-jwt-secret"
	paramRevenueCat     = "revenuecat-token"
)

// NewHandler builds the request handler and everything behind it.
func NewHandler(cfg *config.Config, awsCfg aws.Config) (*handler.Handler, error) {
	var params paramstore.Getter
	if cfg.ParamPrefix != "" {
		ps, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
		if err != nil {
			return nil, fmt.Errorf("app: create SSM client: %w", err)
		}
		params = ps
	}

	anthropicKey, err := secret(cfg, params, paramAnthropicToken, cfg.AnthropicAPIKey)
	if err != nil {
		return nil, err
	}
	revenueCatKey, err := secret(cfg, params, paramRevenueCat, cfg.RevenueCatAPIKey)
	if err != nil {
		return nil, err
	}

	store, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable, uuid.NewString)
	if err != nil {
		return nil, fmt.Errorf("app: create repository: %w", err)
	}

	var authOpts []supabaseauth.Option
	if cfg.SupabaseJWTSecret != "" || params != nil {
		jwtSecret, err := secret(cfg, params, paramJWTSecret, cfg.SupabaseJWTSecret)
		if err != nil {
			return nil, err
		}
		authOpts = append(authOpts, supabaseauth.WithJWTSecret(jwtSecret))
	}
	auth, err := supabaseauth.NewVerifier(cfg.SupabaseURL, cfg.SupabaseAnonKey, authOpts...)
	if err != nil {
		return nil, fmt.Errorf("app: create auth verifier: %w", err)
	}

	gwOpts := []anthropic.Option{
		// The service bounds each call with MODEL_TIMEOUT; this is the outer cap.
		anthropic.WithHTTPClient(&http.Client{Timeout: cfg.ModelTimeout + 5*time.Second}),
	}
	if cfg.AnthropicBaseURL != "" {
		gwOpts = append(gwOpts, anthropic.WithBaseURL(cfg.AnthropicBaseURL))
	}
	gateway, err := anthropic.NewClient(anthropicKey, gwOpts...)
	if err != nil {
		return nil, fmt.Errorf("app: create anthropic client: %w", err)
	}

	var billOpts []billing.Option
	if cfg.BillingBaseURL != "" {
		billOpts = append(billOpts, billing.WithBaseURL(cfg.BillingBaseURL))
	}
	bill, err := billing.NewClient(revenueCatKey, cfg.EntitlementID, billOpts...)
	if err != nil {
		return nil, fmt.Errorf("app: create billing client: %w", err)
	}

	coaches, err := catalog.Default()
	if err != nil {
		return nil, fmt.Errorf("app: load coach catalog: %w", err)
	}

	var throttle *handler.Throttle
	var limiter usecase.RateLimiter
	if cfg.ThrottleEnabled() {
		throttle = handler.NewThrottle(cfg.RateLimitPerSecond, cfg.RateLimitBurst)
		limiter = throttle
	}

	svc, err := usecase.NewChatService(usecase.Deps{
		Auth:          auth,
		Conversations: store,
		Quota:         store,
		Entitlements:  store,
		Personas:      store,
		Profiles:      store,
		Gateway:       gateway,
		Billing:       bill,
		Catalog:       coaches,
		Limiter:       limiter,
	}, usecase.Config{
		FreeDailyLimit:       cfg.FreeDailyLimit,
		MaxContextTurns:      cfg.MaxContextTurns,
		MaxMessageLen:        cfg.MaxMessageLen,
		ModelTimeout:         cfg.ModelTimeout,
		StandardModel:        cfg.StandardModel,
		PremiumModel:         cfg.PremiumModel,
		FreeCustomCoachLimit: cfg.FreeCustomCoachLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("app: create chat service: %w", err)
	}

	var hOpts []handler.Option
	if throttle != nil {
		hOpts = append(hOpts, handler.WithThrottle(throttle))
	}
	return handler.NewHandler(svc, hOpts...)
}

func secret(cfg *config.Config, params paramstore.Getter, name, static string) (*paramstore.Token, error) {
	if static != "" {
		return paramstore.StaticToken(static), nil
	}
	if params == nil {
		return nil, fmt.Errorf("app: secret %q has no source", name)
	}
	tok, err := paramstore.NewToken(params, cfg.ParamName(name))
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	return tok, nil
}
