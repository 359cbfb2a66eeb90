package domain

// ChatMessage is the provider-agnostic chat message shape passed to model
// integrations.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ProfileContext is what a user has shared about themselves for coaching.
type ProfileContext struct {
	Values     []string `json:"values"`
	Goals      []string `json:"goals"`
	Challenges []string `json:"challenges"`
}
