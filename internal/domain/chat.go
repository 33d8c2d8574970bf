package domain

// ChatMessage is the provider-agnostic chat message shape passed to the
// completion capability.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
