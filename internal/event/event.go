// Package event defines the normalized domain events produced at the
// transport boundary. Server frames carry loosely shaped JSON (sender as
// object or id string, ids under "_id"); everything is normalized exactly
// once here so the reconciler and call coordinator only ever see typed
// payloads.
package event

import "github.com/parley-chat/parley/internal/state"

// Type tags the event union.
type Type string

const (
	TypeNewMessage          Type = "newMessage"
	TypeMessageUpdated      Type = "messageUpdated"
	TypeMessagesSeen        Type = "messagesSeen"
	TypeConversationCreated Type = "conversationCreated"
	TypeConversationDeleted Type = "conversationPermanentlyDeleted"
	TypeOnlineUsers         Type = "getOnlineUsers"
	TypeIncomingCall        Type = "incomingCall"
	TypeCallAccepted        Type = "callAccepted"
	TypeCallEnded           Type = "callEnded"
	TypeCallRejected        Type = "callRejected"
)

// Event is the tagged union delivered to reconcilers. Exactly the fields
// relevant to Type are set.
type Event struct {
	Type Type

	Message      *state.Message      // TypeNewMessage
	Conversation *state.Conversation // TypeConversationCreated

	ConversationID string // TypeMessagesSeen, TypeConversationDeleted
	UserID         string // TypeMessagesSeen

	MessageID string // TypeMessageUpdated
	NewText   string // TypeMessageUpdated

	OnlineUsers []string // TypeOnlineUsers

	Call *CallSignal // TypeIncomingCall
}

// CallSignal carries an incoming call invite.
type CallSignal struct {
	From     string
	Name     string
	CallType string
	RoomID   string
}

// BusKind maps an event type to its bus namespace kind.
func (t Type) BusKind() string {
	switch t {
	case TypeNewMessage:
		return "push.new_message"
	case TypeMessageUpdated:
		return "push.message_updated"
	case TypeMessagesSeen:
		return "push.messages_seen"
	case TypeConversationCreated:
		return "push.conversation_created"
	case TypeConversationDeleted:
		return "push.conversation_deleted"
	case TypeOnlineUsers:
		return "push.online_users"
	case TypeIncomingCall:
		return "push.incoming_call"
	case TypeCallAccepted:
		return "push.call_accepted"
	case TypeCallEnded:
		return "push.call_ended"
	case TypeCallRejected:
		return "push.call_rejected"
	default:
		return "push.unknown"
	}
}
