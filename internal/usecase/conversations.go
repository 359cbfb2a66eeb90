package usecase

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"coach-chat/internal/domain"
)

// ResolveConversation returns the caller's conversation with coachID, or a
// Conversation without an ID when none exists yet. It never creates one.
func (s *ChatService) ResolveConversation(ctx context.Context, credential, coachID string) (domain.Conversation, error) {
	userID, err := s.authenticate(ctx, credential)
	if err != nil {
		return domain.Conversation{}, err
	}
	coachID = strings.TrimSpace(coachID)
	if coachID == "" {
		return domain.Conversation{}, newError(ErrorBadRequest, "missing_coach_id", nil)
	}
	persona, err := s.resolvePersona(ctx, userID, coachID)
	if err != nil {
		return domain.Conversation{}, err
	}
	conv, err := s.findConversation(ctx, userID, persona.ID)
	if err != nil {
		return domain.Conversation{}, err
	}
	if !conv.Exists() {
		conv.OwnerID = userID
		conv.CoachID = persona.ID
	}
	return conv, nil
}

// ListConversations returns the caller's conversations, most recently active
// first, each with a preview of its last turn.
func (s *ChatService) ListConversations(ctx context.Context, credential string) ([]domain.ConversationSummary, error) {
	userID, err := s.authenticate(ctx, credential)
	if err != nil {
		return nil, err
	}
	convs, err := s.conversations.ListConversations(ctx, userID)
	if err != nil {
		return nil, newError(ErrorInternal, "conversation_list_error", err)
	}
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].LastActivity.After(convs[j].LastActivity)
	})

	out := make([]domain.ConversationSummary, 0, len(convs))
	for _, c := range convs {
		last, err := s.conversations.LastTurn(ctx, c.ID)
		if err != nil {
			slog.Warn("last turn lookup failed", "conversation_id", c.ID, "err", err)
			last = nil
		}
		out = append(out, domain.ConversationSummary{Conversation: c, LastTurn: last})
	}
	return out, nil
}

// ListTurns returns the full chronological history of a conversation the
// caller owns.
func (s *ChatService) ListTurns(ctx context.Context, credential, conversationID string) ([]domain.Turn, error) {
	userID, err := s.authenticate(ctx, credential)
	if err != nil {
		return nil, err
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, newError(ErrorBadRequest, "missing_conversation_id", nil)
	}
	if _, err := s.ownedConversation(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	turns, err := s.conversations.ListTurns(ctx, conversationID)
	if err != nil {
		return nil, newError(ErrorInternal, "turn_list_error", err)
	}
	return turns, nil
}
