// Database models for conversations
package db

import "time"

// Conversation represents one named chat owned by a user.
// UpdatedAt always reflects the most recent successful log append or
// metadata edit and is never earlier than CreatedAt.
type Conversation struct {
	ID          string    `json:"id" gorm:"primaryKey;size:36"`
	OwnerID     string    `json:"owner_id" gorm:"index:idx_conversations_owner_updated,priority:1;size:64;not null"`
	Title       string    `json:"title" gorm:"size:200;default:'New Chat'"`
	LastMessage string    `json:"last_message" gorm:"size:500"`
	LastSender  string    `json:"last_sender" gorm:"size:20"` // user, assistant
	Pinned      bool      `json:"pinned" gorm:"default:false"`
	Category    string    `json:"category" gorm:"size:20;default:'personal'"` // work, personal, learning, other
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" gorm:"index:idx_conversations_owner_updated,priority:2"`
}

func (Conversation) TableName() string {
	return "conversations"
}

// Sender values
const (
	SenderUser      = "user"
	SenderAssistant = "assistant"
)

// Conversation categories
const (
	CategoryWork     = "work"
	CategoryPersonal = "personal"
	CategoryLearning = "learning"
	CategoryOther    = "other"
)

// Categories lists the valid category values.
var Categories = []string{CategoryWork, CategoryPersonal, CategoryLearning, CategoryOther}

// ValidCategory reports whether c is one of the enumerated categories.
func ValidCategory(c string) bool {
	for _, v := range Categories {
		if v == c {
			return true
		}
	}
	return false
}
