package domain

// ChatMessage is one message of a chat-completion request or response.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
