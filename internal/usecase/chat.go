package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"coach-chat/internal/domain"
)

type SendInput struct {
	Credential string
	CoachID    string
	Message    string
	ChatID     string
}

// SendOutput is the result of a send. MessageCount is the post-increment
// daily count for non-entitled users and 0 for entitled ones. Persisted is
// false when the reply was generated but could not be stored.
type SendOutput struct {
	Reply          string
	ConversationID string
	MessageCount   int
	Persisted      bool
}

// Send runs one message exchange. Nothing is written before the model
// replies, and usage is counted only after the exchange is stored.
func (s *ChatService) Send(ctx context.Context, in SendInput) (SendOutput, error) {
	userID, err := s.authenticate(ctx, in.Credential)
	if err != nil {
		return SendOutput{}, err
	}

	// Blank checks use the trimmed text; the message itself is stored and
	// replayed verbatim.
	coachID := strings.TrimSpace(in.CoachID)
	message := in.Message
	chatID := strings.TrimSpace(in.ChatID)
	if coachID == "" {
		return SendOutput{}, newError(ErrorBadRequest, "missing_coach_id", nil)
	}
	if strings.TrimSpace(message) == "" {
		return SendOutput{}, newError(ErrorBadRequest, "empty_message", nil)
	}
	if len(message) > s.cfg.MaxMessageLen {
		return SendOutput{}, newError(ErrorBadRequest, "message_too_long", nil)
	}

	entitled, err := s.isEntitled(ctx, userID)
	if err != nil {
		return SendOutput{}, err
	}

	day := s.now().UTC()
	used := 0
	if !entitled {
		used, err = s.quota.GetUsage(ctx, userID, day)
		if err != nil {
			return SendOutput{}, newError(ErrorInternal, "usage_read_error", err)
		}
		if used >= s.cfg.FreeDailyLimit {
			slog.Info("free message limit reached", "user_id", userID, "count", used, "limit", s.cfg.FreeDailyLimit)
			return SendOutput{}, quotaExceeded(used)
		}
	}

	persona, err := s.resolvePersona(ctx, userID, coachID)
	if err != nil {
		return SendOutput{}, err
	}

	var conv domain.Conversation
	if chatID != "" {
		conv, err = s.ownedConversation(ctx, userID, chatID)
		if err != nil {
			return SendOutput{}, err
		}
		if conv.CoachID != persona.ID {
			return SendOutput{}, newError(ErrorBadRequest, "coach_mismatch", nil)
		}
	} else {
		conv, err = s.findConversation(ctx, userID, persona.ID)
		if err != nil {
			return SendOutput{}, err
		}
	}

	var profile *domain.ProfileContext
	stored, err := s.profiles.GetProfile(ctx, userID)
	switch {
	case err == nil:
		profile = &stored
	case !errors.Is(err, domain.ErrNotFound):
		slog.Warn("profile lookup failed, continuing without it", "user_id", userID, "err", err)
	}

	var history []domain.Turn
	if conv.Exists() {
		history, err = s.conversations.RecentTurns(ctx, conv.ID, s.cfg.MaxContextTurns)
		if err != nil {
			return SendOutput{}, newError(ErrorInternal, "history_read_error", err)
		}
	}

	model := s.cfg.StandardModel
	if entitled {
		model = s.cfg.PremiumModel
	}
	reply, err := s.generate(ctx, model, buildSystemInstruction(persona.Instruction, profile), buildMessages(history, message))
	if err != nil {
		return SendOutput{}, err
	}

	conv, perr := s.persistExchange(ctx, userID, persona.ID, conv, message, reply)
	if perr != nil {
		slog.Error("persisting exchange failed, returning reply anyway",
			"code", perr.Code, "reason", perr.Reason,
			"user_id", userID, "coach_id", persona.ID, "conversation_id", conv.ID, "err", perr.Err)
		out := SendOutput{Reply: reply, ConversationID: conv.ID, Persisted: false}
		if !entitled {
			out.MessageCount = used
		}
		return out, nil
	}

	out := SendOutput{Reply: reply, ConversationID: conv.ID, Persisted: true}
	if !entitled {
		count, incErr := s.quota.IncrementUsage(ctx, userID, day)
		if incErr != nil {
			slog.Error("usage increment failed", "user_id", userID, "err", incErr)
			count = used + 1
		}
		out.MessageCount = count
	}
	return out, nil
}

// generate calls the gateway under the configured timeout. Failures are
// never retried.
func (s *ChatService) generate(ctx context.Context, model, system string, messages []domain.ChatMessage) (string, error) {
	genCtx, cancel := context.WithTimeout(ctx, s.cfg.ModelTimeout)
	defer cancel()

	reply, err := s.gateway.Generate(genCtx, model, system, messages)
	if err == nil && strings.TrimSpace(reply) == "" {
		err = errors.New("empty reply")
	}
	if err != nil {
		reason := "model_error"
		switch {
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(genCtx.Err(), context.DeadlineExceeded):
			reason = "model_timeout"
		default:
			if status, ok := upstreamStatusCode(err); ok && status == 429 {
				reason = "model_rate_limited"
			}
		}
		slog.Warn("model generation failed", "model", model, "reason", reason, "err", err)
		return "", newError(ErrorAIUnavailable, reason, err)
	}
	return reply, nil
}

// persistExchange creates the conversation if needed and appends the turn
// pair. It is the only place conversations are created. Failures carry
// ErrorStorage; Send downgrades them to an unpersisted reply.
func (s *ChatService) persistExchange(ctx context.Context, userID, coachID string, conv domain.Conversation, userText, reply string) (domain.Conversation, *Error) {
	if !conv.Exists() {
		created, err := s.conversations.CreateConversation(ctx, userID, coachID)
		if err != nil {
			return conv, newError(ErrorStorage, "conversation_create_failed", err)
		}
		conv = created
	}
	if _, err := s.conversations.AppendExchange(ctx, conv, userText, reply); err != nil {
		return conv, newError(ErrorStorage, "exchange_append_failed", err)
	}
	return conv, nil
}
