package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/paperhub/chat-platform/pkg/apperr"
)

// FileRef is an uploaded file referenced by an inbound message.
type FileRef struct {
	Path string `json:"path"`
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size,omitempty"`
}

func (f FileRef) validate() error {
	if f.Path == "" || f.Name == "" || f.Type == "" {
		return apperr.Validation("file requires path, name and type")
	}
	return nil
}

func (f FileRef) attachment() Attachment {
	return Attachment{
		ID:       uuid.NewString(),
		Path:     f.Path,
		Name:     f.Name,
		Size:     f.Size,
		MimeType: f.Type,
	}
}

// Inbound is the JSON envelope a client sends on any channel.
type Inbound struct {
	// Control frames and management commands.
	Type      string `json:"type,omitempty"`
	Command   string `json:"command,omitempty"`
	MessageID string `json:"message_id,omitempty"`

	SessionID string `json:"session_id,omitempty"`
	ChatID    string `json:"chat_id,omitempty"`
	GroupID   string `json:"group_id,omitempty"`
	AIAgent   string `json:"ai_agent,omitempty"`

	MessageType MessageType     `json:"message_type,omitempty"`
	Text        string          `json:"text,omitempty"`
	Content     json.RawMessage `json:"content,omitempty"`
	File        *FileRef        `json:"file,omitempty"`
	Files       []FileRef       `json:"files,omitempty"`
	Mention     []Mention       `json:"mention,omitempty"`
	ReplyTo     string          `json:"reply_to,omitempty"`

	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Address   string   `json:"address,omitempty"`

	ContactName    string `json:"contact_name,omitempty"`
	ContactPhone   string `json:"contact_phone,omitempty"`
	ContactEmail   string `json:"contact_email,omitempty"`
	AdditionalInfo string `json:"additional_info,omitempty"`

	StickerID       string         `json:"sticker_id,omitempty"`
	PackID          string         `json:"pack_id,omitempty"`
	StickerMetadata map[string]any `json:"sticker_metadata,omitempty"`

	Action   string         `json:"action,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	// Management command arguments.
	Name           string   `json:"name,omitempty"`
	Description    string   `json:"description,omitempty"`
	ParticipantIDs []string `json:"participant_ids,omitempty"`
	MemberIDs      []string `json:"member_ids,omitempty"`
}

// Payload is the validated, typed body of an inbound message. The set of
// implementations is closed; ParsePayload switches over every MessageType.
type Payload interface {
	MessageType() MessageType
	Validate() error
	Body() string
	Content() map[string]any
	Files() []FileRef
	isPayload()
}

// TextPayload is a plain text message.
type TextPayload struct{ Text string }

// MediaPayload is a single IMAGE, VIDEO, AUDIO or DOCUMENT file with optional caption.
type MediaPayload struct {
	Kind    MessageType
	File    *FileRef
	Caption string
}

// MultiplePayload carries optional text and any number of files.
type MultiplePayload struct {
	Text  string
	Items []FileRef
}

// LocationPayload is a shared map location.
type LocationPayload struct {
	Latitude  *float64
	Longitude *float64
	Address   string
}

// ContactPayload is a shared contact card.
type ContactPayload struct {
	Name, Phone, Email, AdditionalInfo string
}

// StickerPayload references a sticker from a pack.
type StickerPayload struct {
	StickerID string
	PackID    string
	Metadata  map[string]any
}

// SystemPayload is a system notice such as "member joined".
type SystemPayload struct {
	Action   string
	Metadata map[string]any
	Text     string
}

func (TextPayload) MessageType() MessageType { return TypeText }
func (p MediaPayload) MessageType() MessageType { return p.Kind }
func (MultiplePayload) MessageType() MessageType { return TypeMultiple }
func (LocationPayload) MessageType() MessageType { return TypeLocation }
func (ContactPayload) MessageType() MessageType { return TypeContact }
func (StickerPayload) MessageType() MessageType { return TypeSticker }
func (SystemPayload) MessageType() MessageType { return TypeSystem }
func (TextPayload) isPayload() {}
func (MediaPayload) isPayload() {}
func (MultiplePayload) isPayload() {}
func (LocationPayload) isPayload() {}
func (ContactPayload) isPayload() {}
func (StickerPayload) isPayload() {}
func (SystemPayload) isPayload() {}

func (p TextPayload) Validate() error {
	if strings.TrimSpace(p.Text) == "" {
		return apperr.Validation("text is required")
	}
	return nil
}

func (p MediaPayload) Validate() error {
	if p.File == nil {
		return apperr.Validation(fmt.Sprintf("%s message requires a file", p.Kind))
	}
	return p.File.validate()
}

func (p MultiplePayload) Validate() error {
	for _, f := range p.Items {
		if err := f.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (p LocationPayload) Validate() error {
	if p.Latitude == nil || p.Longitude == nil {
		return apperr.Validation("latitude and longitude are required")
	}
	return nil
}

func (p ContactPayload) Validate() error {
	if p.Name == "" || p.Phone == "" {
		return apperr.Validation("contact name and phone are required")
	}
	return nil
}

func (p StickerPayload) Validate() error {
	if p.StickerID == "" {
		return apperr.Validation("sticker_id is required")
	}
	return nil
}

func (p SystemPayload) Validate() error {
	if p.Action == "" {
		return apperr.Validation("action is required")
	}
	return nil
}

func (p TextPayload) Body() string { return p.Text }
func (p MediaPayload) Body() string { return p.Caption }
func (p MultiplePayload) Body() string { return p.Text }
func (LocationPayload) Body() string { return "" }
func (ContactPayload) Body() string { return "" }
func (StickerPayload) Body() string { return "" }
func (p SystemPayload) Body() string { return p.Text }

func (TextPayload) Content() map[string]any { return nil }
func (MediaPayload) Content() map[string]any { return nil }
func (MultiplePayload) Content() map[string]any { return nil }

func (p LocationPayload) Content() map[string]any {
	return map[string]any{"latitude": *p.Latitude, "longitude": *p.Longitude, "address": p.Address}
}

func (p ContactPayload) Content() map[string]any {
	return map[string]any{
		"name":            p.Name,
		"phone":           p.Phone,
		"email":           p.Email,
		"additional_info": p.AdditionalInfo,
	}
}

func (p StickerPayload) Content() map[string]any {
	return map[string]any{"sticker_id": p.StickerID, "pack_id": p.PackID, "sticker_metadata": p.Metadata}
}

func (p SystemPayload) Content() map[string]any {
	return map[string]any{"action": p.Action, "metadata": p.Metadata}
}

func (TextPayload) Files() []FileRef { return nil }

func (p MediaPayload) Files() []FileRef {
	if p.File == nil {
		return nil
	}
	return []FileRef{*p.File}
}

func (p MultiplePayload) Files() []FileRef { return p.Items }
func (LocationPayload) Files() []FileRef { return nil }
func (ContactPayload) Files() []FileRef { return nil }
func (StickerPayload) Files() []FileRef { return nil }
func (SystemPayload) Files() []FileRef { return nil }

// ParsePayload turns an inbound envelope into a validated payload. A JSON
// object in "content" overrides the flat fields of the same name.
func ParsePayload(in Inbound) (Payload, error) {
	if len(in.Content) > 0 && strings.HasPrefix(strings.TrimSpace(string(in.Content)), "{") {
		if err := json.Unmarshal(in.Content, &in); err != nil {
			return nil, apperr.Validation("content must be a JSON object")
		}
	}

	var p Payload
	switch in.MessageType {
	case TypeText:
		p = TextPayload{Text: in.Text}
	case TypeImage, TypeVideo, TypeAudio, TypeDocument:
		p = MediaPayload{Kind: in.MessageType, File: in.File, Caption: in.Text}
	case TypeMultiple:
		files := in.Files
		if in.File != nil {
			files = append([]FileRef{*in.File}, files...)
		}
		p = MultiplePayload{Text: in.Text, Items: files}
	case TypeLocation:
		p = LocationPayload{Latitude: in.Latitude, Longitude: in.Longitude, Address: in.Address}
	case TypeContact:
		p = ContactPayload{
			Name:           in.ContactName,
			Phone:          in.ContactPhone,
			Email:          in.ContactEmail,
			AdditionalInfo: in.AdditionalInfo,
		}
	case TypeSticker:
		p = StickerPayload{StickerID: in.StickerID, PackID: in.PackID, Metadata: in.StickerMetadata}
	case TypeSystem:
		p = SystemPayload{Action: in.Action, Metadata: in.Metadata, Text: in.Text}
	case TypeAI:
		return nil, apperr.Validation("message type AI is reserved for the assistant")
	case "":
		return nil, apperr.Validation("message_type is required")
	default:
		return nil, apperr.Validation(fmt.Sprintf("unsupported message type: %s", in.MessageType))
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// NewMessage builds an unsaved message from a validated payload.
func NewMessage(ref ConversationRef, sender User, p Payload, replyTo string, mentions []Mention, now time.Time) *Message {
	msg := &Message{
		ID:           uuid.NewString(),
		Conversation: ref,
		SenderID:     sender.ID,
		SenderName:   sender.Name,
		Type:         p.MessageType(),
		Text:         p.Body(),
		Content:      p.Content(),
		Mentions:     mentions,
		Status:       StatusSent,
		CreatedAt:    now,
	}
	for _, f := range p.Files() {
		msg.Attachments = append(msg.Attachments, f.attachment())
	}
	if replyTo != "" {
		msg.ReplyToID = &replyTo
	}
	return msg
}
