package types

// DirectChannel is a persisted one-to-one chat. The user pair is stored
// normalized (UserAID < UserBID) so there is exactly one channel per unordered
// pair. SymmetricKey follows the same write-once rule as Room.SymmetricKey.
type DirectChannel struct {
	ID           int64  `json:"id" gorm:"primaryKey"`
	UserAID      int64  `json:"user_a_id" gorm:"uniqueIndex:idx_direct_pair"`
	UserBID      int64  `json:"user_b_id" gorm:"uniqueIndex:idx_direct_pair"`
	SymmetricKey string `json:"-"`
}

// NormalizePair orders an unordered user pair.
func NormalizePair(a, b int64) (int64, int64) {
	if a > b {
		return b, a
	}
	return a, b
}
