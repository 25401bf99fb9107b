// Database models for conversation turns
package db

import "time"

// Turn represents one persisted entry in a conversation's log.
// Turns are append-only: text and payloads are never edited in place.
// Within a conversation the total order is (CreatedAt, Seq); Seq breaks
// ties for turns written in the same instant.
type Turn struct {
	ID             string `json:"id" gorm:"primaryKey;size:36"`
	ConversationID string `json:"conversation_id" gorm:"index:idx_turns_conversation_created,priority:1;size:36;not null"`
	Seq            uint64 `json:"seq" gorm:"index"`

	Sender string `json:"sender" gorm:"size:20;not null"` // user, assistant
	Text   string `json:"text" gorm:"type:text"`

	// ImageData holds an inline base64 payload for a user-supplied image.
	// ImageURL holds a generated-image reference on an assistant turn.
	// The two are mutually exclusive, never both.
	ImageData string `json:"image_data,omitempty" gorm:"type:text"`
	ImageMime string `json:"image_mime,omitempty" gorm:"size:100"`
	ImageURL  string `json:"image_url,omitempty" gorm:"type:text"`

	// IsError marks an assistant turn that surfaces a failure. Errors are
	// first-class conversation history, not transient toasts.
	IsError bool `json:"is_error" gorm:"default:false"`

	CreatedAt time.Time `json:"created_at" gorm:"index:idx_turns_conversation_created,priority:2"`
}

func (Turn) TableName() string {
	return "turns"
}
