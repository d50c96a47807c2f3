package types

import (
	"fmt"
	"time"

	"github.com/mitchellh/hashstructure/v2"
)

// Message is a persisted chat message. Exactly one of RoomID/DirectID is
// non-zero. Append-only: never mutated or deleted once stored.
type Message struct {
	ID         string    `json:"id" gorm:"primaryKey" hash:"ignore"`
	RoomID     int64     `json:"room_id,omitempty" gorm:"index"`
	DirectID   int64     `json:"direct_id,omitempty" gorm:"index"`
	SenderID   int64     `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp" gorm:"index"`
}

// CreateId derives the message id from its content hash.
func (m *Message) CreateId() error {
	hash, err := hashstructure.Hash(m, hashstructure.FormatV2, nil)
	if err != nil {
		return err
	}
	m.ID = fmt.Sprintf("%016x", hash)
	return nil
}
