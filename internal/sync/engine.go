// Package sync folds normalized server pushes into the in-memory state
// store and drives the authoritative fetches around them: the startup
// conversation list, per-conversation message loads on open, and the
// full resync after a reconnect. Store mutations are announced on the
// bus under "chat." so the local API can relay them to attached clients.
package sync

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/parley-chat/parley/internal/bus"
	"github.com/parley-chat/parley/internal/event"
	"github.com/parley-chat/parley/internal/observability"
	"github.com/parley-chat/parley/internal/prefs"
	"github.com/parley-chat/parley/internal/state"
)

// Bus kinds published by the engine.
const (
	KindConversationsLoaded = "chat.conversations_loaded"
	KindConversationOpened  = "chat.conversation_opened"
	KindSelectionCleared    = "chat.selection_cleared"
	KindConversationUpdated = "chat.conversation_updated"
	KindMessagesChanged     = "chat.messages_changed"
	KindOnlineChanged       = "chat.online_changed"
)

// Backend is the subset of the REST client the engine needs.
type Backend interface {
	Conversations(ctx context.Context) ([]*state.Conversation, error)
	ConversationMessages(ctx context.Context, conversationID string) ([]*state.Message, error)
	MarkSeen(ctx context.Context, conversationID string) error
	DeleteConversation(ctx context.Context, conversationID string) error
}

// Emitter sends client-originated frames to the server.
type Emitter interface {
	Emit(name string, payload any) error
}

// Prefs is the subset of the prefs store the engine needs.
type Prefs interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
}

// Engine reconciles pushes and fetches into the store.
type Engine struct {
	store   *state.Store
	backend Backend
	emitter Emitter
	prefs   Prefs
	bus     *bus.Bus
	logger  *zap.Logger

	cancel    context.CancelFunc
	done      chan struct{}
	everConnd bool
}

// NewEngine creates a sync engine.
func NewEngine(st *state.Store, be Backend, em Emitter, pf Prefs, b *bus.Bus, logger *zap.Logger) *Engine {
	return &Engine{
		store:   st,
		backend: be,
		emitter: em,
		prefs:   pf,
		bus:     b,
		logger:  logger,
	}
}

// Start subscribes to push and transport events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	pushCh, unsubPush := e.bus.Subscribe("push.", 256)
	transCh, unsubTrans := e.bus.Subscribe("transport.", 16)

	go func() {
		defer close(e.done)
		defer unsubPush()
		defer unsubTrans()
		for {
			select {
			case evt := <-pushCh:
				e.handlePush(ctx, evt)
			case evt := <-transCh:
				e.handleTransport(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and waits for the event loop to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		<-e.done
	}
}

// Bootstrap fetches the authoritative conversation list and restores the
// last-opened conversation, if it still exists.
func (e *Engine) Bootstrap(ctx context.Context) error {
	if err := e.refreshConversations(ctx); err != nil {
		return err
	}

	last, err := e.prefs.Get(prefs.KeyLastConversation)
	if err != nil {
		e.logger.Warn("read last conversation pref", zap.Error(err))
		return nil
	}
	if last == "" {
		return nil
	}
	if _, ok := e.store.Conversation(last); !ok {
		_ = e.prefs.Delete(prefs.KeyLastConversation)
		return nil
	}
	if err := e.Open(ctx, last); err != nil {
		e.logger.Warn("restore last conversation", zap.String("conversation_id", last), zap.Error(err))
	}
	return nil
}

// Open selects a conversation, loads its messages from the backend and
// marks it seen. Opening resets the unread counter locally right away;
// the server-side seen mark runs in the background.
func (e *Engine) Open(ctx context.Context, conversationID string) error {
	conv, ok := e.store.Conversation(conversationID)
	if !ok {
		return state.ErrUnknownConversation
	}
	if !e.store.Select(conversationID) {
		return state.ErrUnknownConversation
	}

	if err := e.emitter.Emit("joinConversationRoom", map[string]string{"conversationId": conversationID}); err != nil {
		e.logger.Debug("join room emit failed", zap.Error(err))
	}

	// Mock conversations have no server side yet; nothing to fetch or mark.
	if !conv.Mock {
		msgs, err := e.backend.ConversationMessages(ctx, conversationID)
		if err != nil {
			return err
		}
		e.store.LoadMessages(conversationID, msgs)
		go e.markSeen(conversationID)
	}

	if err := e.prefs.Set(prefs.KeyLastConversation, conversationID); err != nil {
		e.logger.Warn("persist last conversation", zap.Error(err))
	}
	e.publish(KindConversationOpened, conversationID)
	return nil
}

// Close clears the current selection. The last-opened pref is kept so a
// daemon restart reopens the same conversation.
func (e *Engine) Close() {
	e.store.ClearSelection()
	e.publish(KindSelectionCleared, nil)
}

// Delete removes a conversation on the backend and applies the removal
// locally without waiting for the confirming push.
func (e *Engine) Delete(ctx context.Context, conversationID string) error {
	if err := e.backend.DeleteConversation(ctx, conversationID); err != nil {
		return err
	}
	e.applyDeleted(conversationID)
	return nil
}

// StartChat opens the conversation with the given user, seeding a local
// mock conversation when none exists yet. The mock is promoted to the
// real conversation when the first message is acknowledged.
func (e *Engine) StartChat(partner state.User, tempConvID string) (string, error) {
	localID := e.store.LocalUser()
	for _, conv := range e.store.Conversations() {
		if conv.IsGroup {
			continue
		}
		if p, ok := conv.Partner(localID); ok && p.ID == partner.ID {
			return conv.ID, nil
		}
	}

	e.store.SeedMock(&state.Conversation{
		ID: tempConvID,
		Participants: []state.User{
			{ID: localID},
			partner,
		},
		Mock:      true,
		CreatedAt: time.Now(),
	})
	e.store.Select(tempConvID)
	e.publish(KindConversationOpened, tempConvID)
	return tempConvID, nil
}

func (e *Engine) handlePush(ctx context.Context, evt bus.Event) {
	pe, ok := evt.Payload.(*event.Event)
	if !ok {
		return
	}
	observability.IncPushEvent(evt.Kind)

	switch pe.Type {
	case event.TypeNewMessage:
		if pe.Message == nil {
			return
		}
		e.store.ApplyNewMessage(pe.Message)
		// Reading along: if the conversation is open, tell the server
		// immediately so other devices drop their unread badges too.
		if e.store.Selected() == pe.Message.ConversationID && pe.Message.Sender != e.store.LocalUser() {
			go e.markSeen(pe.Message.ConversationID)
		}
		e.publish(KindConversationUpdated, pe.Message.ConversationID)

	case event.TypeMessageUpdated:
		if e.store.ApplyMessageEdited(pe.MessageID, pe.NewText) {
			e.publish(KindMessagesChanged, e.store.Selected())
		}

	case event.TypeMessagesSeen:
		e.store.ApplyMessagesSeen(pe.ConversationID, pe.UserID)
		e.publish(KindMessagesChanged, pe.ConversationID)

	case event.TypeConversationCreated:
		if pe.Conversation == nil {
			return
		}
		if e.store.ApplyConversationCreated(pe.Conversation) {
			if err := e.emitter.Emit("joinConversationRoom", map[string]string{"conversationId": pe.Conversation.ID}); err != nil {
				e.logger.Debug("join room emit failed", zap.Error(err))
			}
		}
		e.publish(KindConversationUpdated, pe.Conversation.ID)

	case event.TypeConversationDeleted:
		e.applyDeleted(pe.ConversationID)

	case event.TypeOnlineUsers:
		e.store.SetOnline(pe.OnlineUsers)
		e.publish(KindOnlineChanged, nil)
	}
}

func (e *Engine) handleTransport(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case "transport.connected":
		if e.everConnd {
			observability.IncTransportReconnect()
			// Pushes were lost while offline; the fetch is authoritative.
			if err := e.refreshConversations(ctx); err != nil {
				e.logger.Warn("resync after reconnect", zap.Error(err))
			}
			if selected := e.store.Selected(); selected != "" {
				if err := e.emitter.Emit("joinConversationRoom", map[string]string{"conversationId": selected}); err != nil {
					e.logger.Debug("rejoin room emit failed", zap.Error(err))
				}
				if msgs, err := e.backend.ConversationMessages(ctx, selected); err == nil {
					e.store.LoadMessages(selected, msgs)
					e.publish(KindMessagesChanged, selected)
				}
			}
		}
		e.everConnd = true
	}
}

func (e *Engine) applyDeleted(conversationID string) {
	removed, wasSelected := e.store.ApplyConversationDeleted(conversationID)
	if !removed {
		return
	}
	if wasSelected {
		e.publish(KindSelectionCleared, nil)
	}
	if last, _ := e.prefs.Get(prefs.KeyLastConversation); last == conversationID {
		_ = e.prefs.Delete(prefs.KeyLastConversation)
	}
	e.publish(KindConversationUpdated, conversationID)
}

func (e *Engine) refreshConversations(ctx context.Context) error {
	convs, err := e.backend.Conversations(ctx)
	if err != nil {
		return err
	}
	sortConversations(convs)
	e.store.LoadConversations(convs)
	e.publish(KindConversationsLoaded, len(convs))
	return nil
}

func (e *Engine) markSeen(conversationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.backend.MarkSeen(ctx, conversationID); err != nil {
		e.logger.Warn("mark seen", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

func (e *Engine) publish(kind string, payload any) {
	e.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

// sortConversations orders most recently active first. A conversation's
// activity time is its last message's update time, falling back to the
// message creation time, then the conversation creation time.
func sortConversations(convs []*state.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		return activityTime(convs[i]).After(activityTime(convs[j]))
	})
}

func activityTime(c *state.Conversation) time.Time {
	if c.LastMessage != nil {
		if !c.LastMessage.UpdatedAt.IsZero() {
			return c.LastMessage.UpdatedAt
		}
		return c.LastMessage.CreatedAt
	}
	return c.CreatedAt
}
