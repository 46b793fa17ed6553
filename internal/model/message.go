package model

import (
	"errors"
	"time"
)

// MessageType is the kind of content a message carries.
type MessageType string

const (
	TypeText     MessageType = "TEXT"
	TypeImage    MessageType = "IMAGE"
	TypeVideo    MessageType = "VIDEO"
	TypeAudio    MessageType = "AUDIO"
	TypeDocument MessageType = "DOCUMENT"
	TypeMultiple MessageType = "MULTIPLE"
	TypeLocation MessageType = "LOCATION"
	TypeContact  MessageType = "CONTACT"
	TypeSticker  MessageType = "STICKER"
	TypeSystem   MessageType = "SYSTEM"
	TypeAI       MessageType = "AI"
)

// Status is the delivery state of a message.
type Status string

const (
	StatusSent      Status = "SENT"
	StatusDelivered Status = "DELIVERED"
	StatusRead      Status = "READ"
	StatusDeleted   Status = "DELETED"
)

// ErrInvalidTransition is returned when a status change is not allowed.
var ErrInvalidTransition = errors.New("invalid message status transition")

// Attachment is a stored file referenced by a message.
type Attachment struct {
	ID       string `json:"id"`
	Path     string `json:"path"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"type"`
}

// Mention names a user (or the bot) inside a message.
type Mention struct {
	Name   string `json:"name"`
	UserID string `json:"user_id,omitempty"`
}

// Message is a persisted chat message.
type Message struct {
	ID           string          `json:"id"`
	Conversation ConversationRef `json:"conversation"`
	SenderID     string          `json:"sender_id"`
	SenderName   string          `json:"sender_name,omitempty"`
	Type         MessageType     `json:"message_type"`
	Text         string          `json:"text,omitempty"`
	Content      map[string]any  `json:"content,omitempty"`
	Attachments  []Attachment    `json:"attachments,omitempty"`
	Mentions     []Mention       `json:"mentions,omitempty"`
	Status       Status          `json:"status"`
	ReplyToID    *string         `json:"reply_to,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	DeletedAt    *time.Time      `json:"deleted_at,omitempty"`
}

// MarkDelivered moves a sent message to DELIVERED. Later states are left alone.
func (m *Message) MarkDelivered() error {
	switch m.Status {
	case StatusSent:
		m.Status = StatusDelivered
		return nil
	case StatusDelivered, StatusRead:
		return nil
	default:
		return ErrInvalidTransition
	}
}

// MarkRead moves a sent or delivered message to READ.
func (m *Message) MarkRead() error {
	switch m.Status {
	case StatusSent, StatusDelivered:
		m.Status = StatusRead
		return nil
	case StatusRead:
		return nil
	default:
		return ErrInvalidTransition
	}
}

// SoftDelete marks the message deleted. DELETED is terminal.
func (m *Message) SoftDelete(now time.Time) error {
	if m.Status == StatusDeleted {
		return ErrInvalidTransition
	}
	m.Status = StatusDeleted
	m.DeletedAt = &now
	return nil
}

// Receipt tracks delivery and read state of a message for one recipient.
type Receipt struct {
	MessageID   string     `json:"message_id"`
	UserID      string     `json:"user_id"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
}

// MarkDelivered stamps the delivery time once.
func (r *Receipt) MarkDelivered(now time.Time) {
	if r.DeliveredAt == nil {
		r.DeliveredAt = &now
	}
}

// MarkRead stamps the read time once and backfills the delivery time.
func (r *Receipt) MarkRead(now time.Time) {
	if r.ReadAt == nil {
		r.ReadAt = &now
	}
	r.MarkDelivered(now)
}
