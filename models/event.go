package models

// Live channel event names.
const (
	EventSupportMessage = "support_message"
	EventChatClosed     = "support_chat_closed"
)

// SupportMessageEvent is pushed to every session in a thread's room when a
// message is appended.
type SupportMessageEvent struct {
	ChatID  string  `json:"chatId"`
	Message Message `json:"message"`
}

// ChatClosedEvent is pushed when an admin closes a thread.
type ChatClosedEvent struct {
	ChatID   string `json:"chatId"`
	ClosedBy string `json:"closedBy"`
}
