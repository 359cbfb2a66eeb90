package usecase

import (
	"strings"

	"coach-chat/internal/domain"
)

const notSpecified = "Not specified"

// buildSystemInstruction appends the user's profile context to the persona
// instruction. A nil profile means none is stored and adds nothing; a stored
// profile always renders, with blank sections as "Not specified".
func buildSystemInstruction(instruction string, profile *domain.ProfileContext) string {
	instruction = strings.TrimSpace(instruction)
	if profile == nil {
		return instruction
	}
	return strings.Join([]string{
		instruction,
		"",
		"The user has shared the following about themselves:",
		"- Values: " + joinOrNotSpecified(profile.Values),
		"- Goals: " + joinOrNotSpecified(profile.Goals),
		"- Challenges: " + joinOrNotSpecified(profile.Challenges),
		"",
		"Use this context to provide personalized, relevant guidance.",
	}, "\n")
}

func joinOrNotSpecified(items []string) string {
	if len(items) == 0 {
		return notSpecified
	}
	return strings.Join(items, ", ")
}

// buildMessages replays history verbatim and appends the new user message.
func buildMessages(history []domain.Turn, message string) []domain.ChatMessage {
	messages := make([]domain.ChatMessage, 0, len(history)+1)
	for _, t := range history {
		messages = append(messages, domain.ChatMessage{Role: t.Role, Content: t.Content})
	}
	return append(messages, domain.ChatMessage{Role: domain.RoleUser, Content: message})
}
