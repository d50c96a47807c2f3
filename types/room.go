package types

// Room is a persisted group chat. SymmetricKey is the canonical content key,
// generated once at creation and never rotated; it only ever leaves the record
// wrapped to a joining client's public key. PasswordHash/Salt guard joining
// when RequirePassword is set.
type Room struct {
	ID              int64  `json:"room_id" gorm:"primaryKey"`
	Name            string `json:"room_name" gorm:"size:30;uniqueIndex"`
	PasswordHash    string `json:"-"`
	Salt            string `json:"-"`
	RequirePassword bool   `json:"require_password"`
	Hidden          bool   `json:"-"`
	SymmetricKey    string `json:"-"`
}

// Membership is the persisted many-to-many relation between rooms and users.
type Membership struct {
	RoomID int64 `gorm:"primaryKey"`
	UserID int64 `gorm:"primaryKey"`
}
