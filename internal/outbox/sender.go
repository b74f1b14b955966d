// Package outbox implements the optimistic send pipeline. A send appends
// a temp-id message in the sending state right away, posts it to the
// backend in the background, and on acknowledgement swaps the temp id
// for the server message in place. Failures keep the message visible in
// the failed state so it can be retried.
package outbox

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parley-chat/parley/internal/backend"
	"github.com/parley-chat/parley/internal/bus"
	"github.com/parley-chat/parley/internal/observability"
	"github.com/parley-chat/parley/internal/state"
)

// Bus kinds published by the sender.
const (
	KindSendAck    = "outbox.send_ack"
	KindSendFailed = "outbox.send_failed"
)

// Ack is the payload of a send_ack or send_failed event.
type Ack struct {
	TempID         string `json:"tempId"`
	MessageID      string `json:"messageId,omitempty"`
	ConversationID string `json:"conversationId"`
	Error          string `json:"error,omitempty"`
}

// MessageSender is the subset of the REST client the sender needs.
type MessageSender interface {
	SendMessage(ctx context.Context, req backend.SendRequest) (*state.Message, error)
}

// Attachment is a file queued with a message. The bytes stay buffered in
// the outbox so a failed send retries with the same payload.
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// pendingSend holds everything needed to re-post a message verbatim.
type pendingSend struct {
	conversationID string
	recipientID    string
	text           string
	attachments    []Attachment
}

// Sender runs optimistic sends against the store.
type Sender struct {
	store  *state.Store
	sender MessageSender
	bus    *bus.Bus
	logger *zap.Logger

	timeout time.Duration

	mu      sync.Mutex
	pending map[string]pendingSend
}

// NewSender creates an outbox sender.
func NewSender(st *state.Store, ms MessageSender, b *bus.Bus, logger *zap.Logger) *Sender {
	return &Sender{
		store:   st,
		sender:  ms,
		bus:     b,
		logger:  logger,
		timeout: 30 * time.Second,
		pending: make(map[string]pendingSend),
	}
}

// Send appends an optimistic message for the given conversation and posts
// it in the background. It returns the temp id immediately. recipientID
// is the partner's user id; conversationID is empty while the
// conversation is still a local mock.
func (s *Sender) Send(conversationID, recipientID, text string, attachments []Attachment) string {
	tempID := uuid.NewString()
	now := time.Now()

	msg := &state.Message{
		ID:             tempID,
		ConversationID: conversationID,
		Sender:         s.store.LocalUser(),
		Text:           text,
		Status:         state.StatusSending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for _, a := range attachments {
		msg.Attachments = append(msg.Attachments, state.Attachment{Name: a.Name, Type: a.ContentType})
	}
	s.store.AppendLocal(msg)

	s.mu.Lock()
	s.pending[tempID] = pendingSend{
		conversationID: conversationID,
		recipientID:    recipientID,
		text:           text,
		attachments:    attachments,
	}
	s.mu.Unlock()

	go s.post(tempID)
	return tempID
}

// Retry re-posts a failed message from its buffered request, attachments
// included. The temp id is kept so the message stays in place; only its
// status flips back to sending.
func (s *Sender) Retry(tempID string) bool {
	s.mu.Lock()
	_, ok := s.pending[tempID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	for _, m := range s.store.Messages() {
		if m.ID == tempID && m.Status == state.StatusFailed {
			s.store.MarkSending(tempID)
			go s.post(tempID)
			return true
		}
	}
	return false
}

func (s *Sender) post(tempID string) {
	s.mu.Lock()
	req, ok := s.pending[tempID]
	s.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	// Mock conversations carry no server id yet; the server creates the
	// conversation on first message and reports its id on the ack.
	sendConvID := req.conversationID
	if conv, ok := s.store.Conversation(req.conversationID); ok && conv.Mock {
		sendConvID = ""
	}

	var files []backend.Attachment
	for _, a := range req.attachments {
		files = append(files, backend.Attachment{
			Name:        a.Name,
			ContentType: a.ContentType,
			Reader:      bytes.NewReader(a.Data),
		})
	}

	actual, err := s.sender.SendMessage(ctx, backend.SendRequest{
		RecipientID:    req.recipientID,
		ConversationID: sendConvID,
		Text:           req.text,
		Attachments:    files,
	})
	if err != nil {
		s.logger.Warn("send failed",
			zap.String("temp_id", tempID),
			zap.String("conversation_id", req.conversationID),
			zap.Error(err))
		observability.IncSendFailure()
		s.store.MarkFailed(tempID)
		s.publish(KindSendFailed, &Ack{
			TempID:         tempID,
			ConversationID: req.conversationID,
			Error:          err.Error(),
		})
		return
	}

	s.mu.Lock()
	delete(s.pending, tempID)
	s.mu.Unlock()

	if actual.ConversationID != "" && actual.ConversationID != req.conversationID {
		s.store.PromoteMock(req.conversationID, actual.ConversationID)
	}
	s.store.ResolveTempID(tempID, actual)
	s.publish(KindSendAck, &Ack{
		TempID:         tempID,
		MessageID:      actual.ID,
		ConversationID: actual.ConversationID,
	})
}

func (s *Sender) publish(kind string, payload any) {
	s.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}
