package domain

// ChatMessage is the provider-agnostic chat message shape handed to prompt
// assembly.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
