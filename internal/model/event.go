package model

// EventType is the "type" of an outbound frame.
type EventType string

const (
	EventChatMessage          EventType = "chat_message"
	EventError                EventType = "error"
	EventChatCreated          EventType = "chat_created"
	EventNewMessage           EventType = "new_message_notification"
	EventChatDeleted          EventType = "chat_deleted"
	EventGroupCreated         EventType = "group_created"
	EventGroupDeleted         EventType = "group_deleted"
	EventMembersAdded         EventType = "members_added"
	EventMembersRemoved       EventType = "members_removed"
	EventAllChats             EventType = "all_chats"
	EventMessageRead          EventType = "message_read"
	EventMessageDeleted       EventType = "message_deleted"
	EventTyping               EventType = "typing"
	EventPendingNotifications EventType = "pending_notifications"
	EventSessionBound         EventType = "session_bound"
)

// Event is the outbound envelope written to connections.
type Event struct {
	Type      EventType        `json:"type"`
	ChatType  ConversationKind `json:"chat_type,omitempty"`
	ChatID    string           `json:"chat_id,omitempty"`
	GroupID   string           `json:"group_id,omitempty"`
	SessionID string           `json:"session_id,omitempty"`
	UserID    string           `json:"user_id,omitempty"`

	// Message is a *Message for message events and a string for errors and notices.
	Message any `json:"message,omitempty"`
	Data    any `json:"data,omitempty"`
}

// addressed fills the id field matching the conversation kind.
func (e *Event) addressed(ref ConversationRef) *Event {
	e.ChatType = ref.Kind
	switch ref.Kind {
	case KindGroup:
		e.GroupID = ref.ID
	case KindSession:
		e.SessionID = ref.ID
	default:
		e.ChatID = ref.ID
	}
	return e
}

// NewMessageEvent is the live multicast of a persisted message.
func NewMessageEvent(msg *Message) *Event {
	return (&Event{Type: EventChatMessage, Message: msg}).addressed(msg.Conversation)
}

// NewMessageNotification is the mailbox notice for a recipient not viewing the conversation.
func NewMessageNotification(msg *Message) *Event {
	return &Event{
		Type:     EventNewMessage,
		ChatType: msg.Conversation.Kind,
		ChatID:   msg.Conversation.ID,
		Message:  msg,
	}
}

// NewErrorEvent reports a failed request to its sender.
func NewErrorEvent(message string) *Event {
	return &Event{Type: EventError, Message: message}
}

// NewConversationEvent is a management notice about a conversation.
func NewConversationEvent(t EventType, ref ConversationRef, data any) *Event {
	return (&Event{Type: t, Data: data}).addressed(ref)
}
