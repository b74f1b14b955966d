package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/parley-chat/parley/internal/state"
)

// ErrUnknownEvent marks a server event name this client does not handle.
// The transport drops these without treating them as failures.
var ErrUnknownEvent = errors.New("unknown event")

// Parse normalizes a named server event and its raw JSON payload into the
// typed union.
func Parse(name string, data json.RawMessage) (*Event, error) {
	switch Type(name) {
	case TypeNewMessage:
		msg, err := DecodeMessage(data)
		if err != nil {
			return nil, fmt.Errorf("parse newMessage: %w", err)
		}
		return &Event{Type: TypeNewMessage, Message: msg}, nil

	case TypeMessageUpdated:
		var p struct {
			MessageID string `json:"messageId"`
			NewText   string `json:"newText"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("parse messageUpdated: %w", err)
		}
		return &Event{Type: TypeMessageUpdated, MessageID: p.MessageID, NewText: p.NewText}, nil

	case TypeMessagesSeen:
		var p struct {
			ConversationID string `json:"conversationId"`
			UserID         string `json:"userId"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("parse messagesSeen: %w", err)
		}
		return &Event{Type: TypeMessagesSeen, ConversationID: p.ConversationID, UserID: p.UserID}, nil

	case TypeConversationCreated:
		conv, err := DecodeConversation(data)
		if err != nil {
			return nil, fmt.Errorf("parse conversationCreated: %w", err)
		}
		return &Event{Type: TypeConversationCreated, Conversation: conv}, nil

	case TypeConversationDeleted:
		var p struct {
			ConversationID string `json:"conversationId"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("parse conversationPermanentlyDeleted: %w", err)
		}
		return &Event{Type: TypeConversationDeleted, ConversationID: p.ConversationID}, nil

	case TypeOnlineUsers:
		var ids []string
		if err := json.Unmarshal(data, &ids); err != nil {
			return nil, fmt.Errorf("parse getOnlineUsers: %w", err)
		}
		return &Event{Type: TypeOnlineUsers, OnlineUsers: ids}, nil

	case TypeIncomingCall:
		var p struct {
			From     string `json:"from"`
			Name     string `json:"name"`
			CallType string `json:"callType"`
			RoomID   string `json:"roomID"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("parse incomingCall: %w", err)
		}
		if p.CallType == "" {
			p.CallType = "audio"
		}
		return &Event{Type: TypeIncomingCall, Call: &CallSignal{
			From: p.From, Name: p.Name, CallType: p.CallType, RoomID: p.RoomID,
		}}, nil

	case TypeCallAccepted, TypeCallEnded, TypeCallRejected:
		return &Event{Type: Type(name)}, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, name)
	}
}

// wireMessage mirrors the backend message shape. Sender is duck-typed on
// the wire: either a populated user object or a bare id string, with a
// legacy senderId fallback.
type wireMessage struct {
	ID             string           `json:"_id"`
	ConversationID string           `json:"conversationId"`
	Sender         json.RawMessage  `json:"sender"`
	SenderID       string           `json:"senderId"`
	Text           string           `json:"text"`
	Attachments    []wireAttachment `json:"attachments"`
	SeenBy         []string         `json:"seenBy"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

type wireAttachment struct {
	URL      string `json:"url"`
	Type     string `json:"type"`
	Name     string `json:"name"`
	PublicID string `json:"publicId"`
}

type wireUser struct {
	ID         string          `json:"_id"`
	Username   string          `json:"username"`
	Name       string          `json:"name"`
	ProfilePic json.RawMessage `json:"profilePic"`
}

type wireConversation struct {
	ID           string          `json:"_id"`
	Participants []wireUser      `json:"participants"`
	LastMessage  json.RawMessage `json:"lastMessage"`
	UnreadCount  int             `json:"unreadCount"`
	IsGroup      bool            `json:"isGroup"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// DecodeMessage normalizes a wire-shaped message. REST responses and
// socket pushes share the same shape, so the backend client uses this too.
func DecodeMessage(data json.RawMessage) (*state.Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	if w.ID == "" {
		return nil, errors.New("message without id")
	}
	return w.normalize(), nil
}

func (w *wireMessage) normalize() *state.Message {
	msg := &state.Message{
		ID:             w.ID,
		ConversationID: w.ConversationID,
		Sender:         normalizeSender(w.Sender, w.SenderID),
		Text:           w.Text,
		SeenBy:         w.SeenBy,
		CreatedAt:      w.CreatedAt,
		UpdatedAt:      w.UpdatedAt,
	}
	for _, a := range w.Attachments {
		msg.Attachments = append(msg.Attachments, state.Attachment{
			URL: a.URL, Type: a.Type, Name: a.Name, PublicID: a.PublicID,
		})
	}
	return msg
}

// DecodeConversation normalizes a wire-shaped conversation summary.
func DecodeConversation(data json.RawMessage) (*state.Conversation, error) {
	var w wireConversation
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	if w.ID == "" {
		return nil, errors.New("conversation without id")
	}
	conv := &state.Conversation{
		ID:          w.ID,
		UnreadCount: w.UnreadCount,
		IsGroup:     w.IsGroup,
		CreatedAt:   w.CreatedAt,
	}
	for _, p := range w.Participants {
		conv.Participants = append(conv.Participants, p.normalize())
	}
	if len(w.LastMessage) > 0 && string(w.LastMessage) != "null" {
		if last, err := DecodeMessage(w.LastMessage); err == nil {
			conv.LastMessage = last
		}
	}
	return conv, nil
}

func (w wireUser) normalize() state.User {
	return state.User{
		ID:            w.ID,
		Username:      w.Username,
		Name:          w.Name,
		ProfilePicURL: normalizePicURL(w.ProfilePic),
	}
}

// normalizeSender resolves the duck-typed sender field: object with _id,
// bare id string, or the legacy senderId sibling.
func normalizeSender(raw json.RawMessage, senderID string) string {
	if len(raw) > 0 && string(raw) != "null" {
		var obj struct {
			ID string `json:"_id"`
		}
		if err := json.Unmarshal(raw, &obj); err == nil && obj.ID != "" {
			return obj.ID
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			return s
		}
	}
	return senderID
}

// normalizePicURL accepts both a bare URL string and an object with a url
// field, which the backend uses interchangeably.
func normalizePicURL(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.URL
	}
	return ""
}
