package state

import (
	"errors"
	"time"
)

// ErrUnknownConversation is returned when an operation names a
// conversation the store does not hold.
var ErrUnknownConversation = errors.New("unknown conversation")

// Message delivery status for locally originated messages.
const (
	StatusSending = "sending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// User is a chat participant as returned by the backend.
type User struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	Name          string `json:"name"`
	ProfilePicURL string `json:"profilePic,omitempty"`
}

// Attachment is a typed media descriptor attached to a message.
type Attachment struct {
	URL      string `json:"url"`
	Type     string `json:"type"` // image, video, audio, pdf, word, excel, file
	Name     string `json:"name"`
	PublicID string `json:"publicId,omitempty"`
}

// Message is a single chat message. ID holds a client-generated temp id
// from the moment of optimistic send until the server ack swaps in the
// server-assigned id.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	Sender         string       `json:"sender"`
	Text           string       `json:"text"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	SeenBy         []string     `json:"seenBy,omitempty"`
	Status         string       `json:"status,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// SeenContains reports whether userID is already in the message's seen set.
func (m *Message) SeenContains(userID string) bool {
	for _, id := range m.SeenBy {
		if id == userID {
			return true
		}
	}
	return false
}

// Conversation is the denormalized summary shown in a list view.
// Mock marks a client-only placeholder seeded from a search-result click;
// it is promoted to a real conversation on the first send ack.
type Conversation struct {
	ID           string    `json:"id"`
	Participants []User    `json:"participants"`
	LastMessage  *Message  `json:"lastMessage,omitempty"`
	UnreadCount  int       `json:"unreadCount"`
	IsGroup      bool      `json:"isGroup"`
	Mock         bool      `json:"mock,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Partner returns the first participant that is not the local user.
// For group conversations the notion of a single partner does not apply.
func (c *Conversation) Partner(localUserID string) (User, bool) {
	for _, p := range c.Participants {
		if p.ID != localUserID {
			return p, true
		}
	}
	return User{}, false
}
