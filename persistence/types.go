package persistence

import (
	"errors"
	"fmt"

	"github.com/bridi/sealchat/config"
	"github.com/bridi/sealchat/types"
)

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("persistence: not found")

// Error wraps a failed persistence operation. The router aborts a send on it:
// no fan-out happens for a message that could not be made durable.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Persister is the storage boundary consumed by the relay core and the HTTP
// layer. Messages are append-only; history accessors return newest-last.
type Persister interface {
	StoreMessage(msg *types.Message) error
	RoomHistory(roomID int64, limit int) ([]*types.Message, error)
	DirectHistory(directID int64, limit int) ([]*types.Message, error)

	// LoadMembership returns the ids of the rooms the user belongs to. Only
	// connected users are tracked in the live index, so the member sets of
	// those rooms are not loaded here.
	LoadMembership(userID int64) ([]int64, error)
	AddMember(roomID, userID int64) error
	RemoveMember(roomID, userID int64) error
	RoomMembers(roomID int64) ([]int64, error)

	StoreUser(user *types.User) error
	GetUser(id int64) (*types.User, error)
	GetUserByUsername(username string) (*types.User, error)
	UpdatePassword(userID int64, hash, salt string) error
	SetEmailVerified(userID int64) error
	Users() ([]*types.User, error)
	IsAdmin(userID int64) (bool, error)
	SetAdmin(userID int64, admin bool) error

	StoreRoom(room *types.Room) error
	GetRoom(id int64) (*types.Room, error)
	GetRoomByName(name string) (*types.Room, error)
	Rooms() ([]*types.Room, error)
	VisibleRooms() ([]*types.Room, error)
	RoomsForUser(userID int64) ([]*types.Room, error)
	DeleteRoom(id int64) error

	StoreDirect(direct *types.DirectChannel) error
	GetDirect(userA, userB int64) (*types.DirectChannel, error)
	DeleteDirect(userA, userB int64) error
	DirectsForUser(userID int64) ([]*types.DirectChannel, error)

	StoreEmailToken(userID int64, token string) error
	ConsumeEmailToken(token string) (int64, error)

	Close() error
}

// NewPersister builds the configured backend.
func NewPersister(cfg *config.Config) (Persister, error) {
	switch cfg.PersistenceConfig.Type {
	case "sqlite", "postgres":
		return NewGormPersister(cfg)
	case "buntdb":
		return NewBuntPersister(cfg)
	default:
		return nil, fmt.Errorf("invalid persistence configuration: type %q", cfg.PersistenceConfig.Type)
	}
}
