package state

import (
	"sync"
)

// Store holds the client's reconciled view of the conversation list, the
// open conversation selection and the open conversation's message sequence.
// It is rebuilt from the authoritative fetch on every daemon start; nothing
// in it is durable. All mutation goes through the Apply*/local-action
// methods below, serialized by the store mutex, so callers observe
// consistent snapshots between operations.
//
// Reconciliation policy: events that reference a conversation not present
// in the list are dropped, not buffered. The initial fetch is the source of
// truth for ordering at load time, and genuinely new conversations arrive
// via their own created event.
type Store struct {
	mu sync.RWMutex

	localUserID   string
	conversations []*Conversation // most-recently-active first
	selectedID    string
	messages      []*Message // sequence for the selected conversation
	online        map[string]struct{}
}

// NewStore creates an empty store for the given local user.
func NewStore(localUserID string) *Store {
	return &Store{
		localUserID: localUserID,
		online:      make(map[string]struct{}),
	}
}

// SetLocalUser records the authenticated user id once known.
func (s *Store) SetLocalUser(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.localUserID = id
}

// LocalUser returns the authenticated user id.
func (s *Store) LocalUser() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.localUserID
}

// LoadConversations replaces the conversation list with the authoritative
// server result. The caller is responsible for ordering.
func (s *Store) LoadConversations(convs []*Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = convs
}

// Conversations returns a snapshot of the ordered conversation list.
func (s *Store) Conversations() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, *c)
	}
	return out
}

// Conversation returns a copy of the conversation with the given id.
func (s *Store) Conversation(id string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c := s.find(id); c != nil {
		return *c, true
	}
	return Conversation{}, false
}

// Selected returns the open conversation id, or "" when none is open.
func (s *Store) Selected() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selectedID
}

// Select opens a conversation: the unread count is zeroed optimistically
// and the loaded message sequence is cleared pending the fetch-on-open.
// Returns false if the conversation is unknown.
func (s *Store) Select(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.find(id)
	if c == nil {
		return false
	}
	s.selectedID = id
	s.messages = nil
	c.UnreadCount = 0
	return true
}

// ClearSelection closes the open conversation and drops its messages.
func (s *Store) ClearSelection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selectedID = ""
	s.messages = nil
}

// LoadMessages installs the fetched message sequence for a conversation.
// The load is discarded if the selection moved on while the fetch was in
// flight.
func (s *Store) LoadMessages(conversationID string, msgs []*Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selectedID != conversationID {
		return false
	}
	s.messages = msgs
	return true
}

// Messages returns a snapshot of the open conversation's message sequence.
func (s *Store) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, *m)
	}
	return out
}

// ApplyNewMessage folds a pushed message into the store: the matching
// conversation's last message is replaced, its unread count bumps unless
// the conversation is open or the sender is the local user, and the entry
// moves to the front of the order. If the conversation is open the message
// is appended to the loaded sequence. Messages for unknown conversations
// are dropped; the created event seeds those.
//
// Returns whether the event mutated the store.
func (s *Store) ApplyNewMessage(msg *Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(msg.ConversationID)
	if idx < 0 {
		return false
	}
	c := s.conversations[idx]

	opened := s.selectedID == c.ID
	if opened || msg.Sender == s.localUserID {
		c.UnreadCount = 0
	} else {
		c.UnreadCount++
	}
	c.LastMessage = msg

	// Move to front.
	copy(s.conversations[1:idx+1], s.conversations[:idx])
	s.conversations[0] = c

	if opened && !s.hasMessage(msg.ID) {
		s.messages = append(s.messages, msg)
	}
	return true
}

// ApplyConversationCreated inserts a pushed conversation at the front of
// the order. Applying the same event twice is a no-op.
func (s *Store) ApplyConversationCreated(conv *Conversation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.find(conv.ID) != nil {
		return false
	}
	if conv.UnreadCount == 0 && !conv.Mock {
		conv.UnreadCount = 1
	}
	s.conversations = append([]*Conversation{conv}, s.conversations...)
	return true
}

// ApplyConversationDeleted removes a conversation. If it was the open one,
// the selection clears and the message sequence empties. Returns whether
// the deleted conversation was open.
func (s *Store) ApplyConversationDeleted(id string) (removed, wasSelected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(id)
	if idx < 0 {
		return false, false
	}
	s.conversations = append(s.conversations[:idx], s.conversations[idx+1:]...)
	if s.selectedID == id {
		s.selectedID = ""
		s.messages = nil
		return true, true
	}
	return true, false
}

// ApplyMessagesSeen set-unions userID into the conversation's last message
// seen set and, when the conversation is open, into every loaded message's
// seen set. Idempotent: applying it twice yields the same sets.
func (s *Store) ApplyMessagesSeen(conversationID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c := s.find(conversationID); c != nil && c.LastMessage != nil {
		if !c.LastMessage.SeenContains(userID) {
			c.LastMessage.SeenBy = append(c.LastMessage.SeenBy, userID)
		}
	}

	if s.selectedID != conversationID {
		return
	}
	for _, m := range s.messages {
		if !m.SeenContains(userID) {
			m.SeenBy = append(m.SeenBy, userID)
		}
	}
}

// ApplyMessageEdited replaces the text of the matching loaded message.
// Conversation ordering is untouched.
func (s *Store) ApplyMessageEdited(messageID, newText string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ID == messageID {
			m.Text = newText
			return true
		}
	}
	return false
}

// RemoveMessage drops a message from the loaded sequence (delete for
// everyone / delete for me).
func (s *Store) RemoveMessage(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.messages {
		if m.ID == messageID {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return true
		}
	}
	return false
}

// AppendLocal appends an optimistic outgoing message to the open
// conversation's sequence.
func (s *Store) AppendLocal(msg *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
}

// ResolveTempID swaps a client temp id for the server-confirmed message,
// preserving the message's position in the sequence. The swap happens at
// most once: a second call with the same temp id finds nothing. The
// matching conversation's last message is refreshed as well.
func (s *Store) ResolveTempID(tempID string, actual *Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.messages {
		if m.ID == tempID {
			confirmed := *actual
			confirmed.Status = StatusSent
			s.messages[i] = &confirmed
			if c := s.find(actual.ConversationID); c != nil {
				c.LastMessage = &confirmed
			}
			return true
		}
	}
	return false
}

// MarkFailed flags an optimistic message as failed in place. The message
// stays visible so the user can see it failed and retry.
func (s *Store) MarkFailed(tempID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ID == tempID {
			m.Status = StatusFailed
			return true
		}
	}
	return false
}

// MarkSending flips a failed message back to sending for a retry.
func (s *Store) MarkSending(tempID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ID == tempID {
			m.Status = StatusSending
			return true
		}
	}
	return false
}

// SeedMock inserts a client-only placeholder conversation at the front and
// opens it.
func (s *Store) SeedMock(conv *Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv.Mock = true
	s.conversations = append([]*Conversation{conv}, s.conversations...)
	s.selectedID = conv.ID
	s.messages = nil
}

// PromoteMock rewrites a mock conversation to its server-assigned id after
// the first send ack. The selection follows the rename.
func (s *Store) PromoteMock(tempConvID, realID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.find(tempConvID)
	if c == nil || !c.Mock {
		return false
	}
	c.ID = realID
	c.Mock = false
	if s.selectedID == tempConvID {
		s.selectedID = realID
	}
	for _, m := range s.messages {
		if m.ConversationID == tempConvID {
			m.ConversationID = realID
		}
	}
	return true
}

// MoveToFront promotes a conversation to the head of the order (open via
// search-result click).
func (s *Store) MoveToFront(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexOf(id)
	if idx < 0 {
		return false
	}
	c := s.conversations[idx]
	copy(s.conversations[1:idx+1], s.conversations[:idx])
	s.conversations[0] = c
	return true
}

// SetOnline replaces the online user set from a getOnlineUsers push.
func (s *Store) SetOnline(userIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online = make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		s.online[id] = struct{}{}
	}
}

// IsOnline reports whether a user is currently online.
func (s *Store) IsOnline(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.online[userID]
	return ok
}

// Online returns the online user ids.
func (s *Store) Online() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.online))
	for id := range s.online {
		out = append(out, id)
	}
	return out
}

func (s *Store) find(id string) *Conversation {
	if idx := s.indexOf(id); idx >= 0 {
		return s.conversations[idx]
	}
	return nil
}

func (s *Store) indexOf(id string) int {
	for i, c := range s.conversations {
		if c.ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) hasMessage(id string) bool {
	for _, m := range s.messages {
		if m.ID == id {
			return true
		}
	}
	return false
}
