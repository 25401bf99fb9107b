package event

// ============================================================================
// Event Names (constants)
// ============================================================================

const (
	ConversationCreated = "conversation.created"
	ConversationUpdated = "conversation.updated"
	ConversationDeleted = "conversation.deleted"
	TurnAppended        = "turn.appended"
	TurnsDeleted        = "turns.deleted"
	ChatsCleared        = "chats.cleared"
)

// ============================================================================
// Conversation Events
// ============================================================================

// ConversationCreatedEvent is emitted when a conversation record is created.
type ConversationCreatedEvent struct {
	ConversationID string `json:"conversation_id"`
	OwnerID        string `json:"owner_id"`
}

func (e ConversationCreatedEvent) EventName() string { return ConversationCreated }

// ConversationUpdatedEvent is emitted on any metadata change (title, preview,
// pin, category).
type ConversationUpdatedEvent struct {
	ConversationID string `json:"conversation_id"`
	OwnerID        string `json:"owner_id"`
}

func (e ConversationUpdatedEvent) EventName() string { return ConversationUpdated }

// ConversationDeletedEvent is emitted after a conversation record is removed.
type ConversationDeletedEvent struct {
	ConversationID string `json:"conversation_id"`
	OwnerID        string `json:"owner_id"`
}

func (e ConversationDeletedEvent) EventName() string { return ConversationDeleted }

// ============================================================================
// Turn Events
// ============================================================================

// TurnAppendedEvent is emitted after a turn is durably appended.
type TurnAppendedEvent struct {
	ConversationID string `json:"conversation_id"`
	TurnID         string `json:"turn_id"`
	Sender         string `json:"sender"`
}

func (e TurnAppendedEvent) EventName() string { return TurnAppended }

// TurnsDeletedEvent is emitted after a page of turns is deleted.
type TurnsDeletedEvent struct {
	ConversationID string `json:"conversation_id"`
	Count          int64  `json:"count"`
}

func (e TurnsDeletedEvent) EventName() string { return TurnsDeleted }

// ============================================================================
// Bulk Events
// ============================================================================

// ChatsClearedEvent is emitted after a clear-all completes for an owner.
type ChatsClearedEvent struct {
	OwnerID       string `json:"owner_id"`
	Conversations int64  `json:"conversations"`
	Turns         int64  `json:"turns"`
}

func (e ChatsClearedEvent) EventName() string { return ChatsCleared }

// ============================================================================
// Payload accessors
// ============================================================================

// ConversationIDOf extracts the conversation id from a local or bridged
// event, or "" when the event carries none.
func ConversationIDOf(ev Event) string {
	switch e := ev.(type) {
	case TurnAppendedEvent:
		return e.ConversationID
	case TurnsDeletedEvent:
		return e.ConversationID
	case ConversationCreatedEvent:
		return e.ConversationID
	case ConversationUpdatedEvent:
		return e.ConversationID
	case ConversationDeletedEvent:
		return e.ConversationID
	case RemoteEvent:
		if v, ok := e.Data["conversation_id"].(string); ok {
			return v
		}
	}
	return ""
}

// OwnerIDOf extracts the owner id from a local or bridged event, or ""
// when the event carries none.
func OwnerIDOf(ev Event) string {
	switch e := ev.(type) {
	case ConversationCreatedEvent:
		return e.OwnerID
	case ConversationUpdatedEvent:
		return e.OwnerID
	case ConversationDeletedEvent:
		return e.OwnerID
	case ChatsClearedEvent:
		return e.OwnerID
	case RemoteEvent:
		if v, ok := e.Data["owner_id"].(string); ok {
			return v
		}
	}
	return ""
}
