package types

// User is the persisted account record. PasswordHash is the base64-encoded
// argon2id digest of the password with the per-user Salt.
type User struct {
	ID            int64  `json:"id" gorm:"primaryKey"`
	FullName      string `json:"full_name" gorm:"size:100"`
	Surname       string `json:"surname" gorm:"size:100"`
	Email         string `json:"email" gorm:"size:100;uniqueIndex"`
	Username      string `json:"username" gorm:"size:20;uniqueIndex"`
	PasswordHash  string `json:"-"`
	Salt          string `json:"-"`
	EmailVerified bool   `json:"email_verified"`
}

// Admin marks a user as administrator.
type Admin struct {
	UserID int64 `gorm:"primaryKey"`
}

// EmailToken is a pending email-verification token.
type EmailToken struct {
	UserID int64  `gorm:"primaryKey"`
	Token  string `gorm:"index"`
}
