package models

import "time"

type User struct {
	ID        int64     `json:"id"`
	AuthCode  string    `json:"auth_code"`
	CreatedAt time.Time `json:"created_at"`
}

type Conversation struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

type Message struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	ConvID    int64     `json:"conversation_id"`
	Content   string    `json:"content"`
	IsUser    bool      `json:"is_user"`
	CreatedAt time.Time `json:"created_at"`
}

// Role maps the origin flag onto the chat-completions role string.
func (m Message) Role() string {
	if m.IsUser {
		return "user"
	}
	return "assistant"
}
