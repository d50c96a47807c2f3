package session

import (
	"encoding/json"
	"time"

	"github.com/bridi/sealchat/crypto"
	"github.com/bridi/sealchat/types"
	"github.com/tidwall/buntdb"
)

const sessionKeyPrefix = "session:"

// BuntStore keeps sessions in a buntdb file so they survive a restart.
// Expiry is delegated to buntdb's native key TTL.
type BuntStore struct {
	db  *buntdb.DB
	ttl time.Duration
}

func NewBuntStore(dsn string, ttl time.Duration) (*BuntStore, error) {
	if dsn == "" {
		dsn = ":memory:"
	}
	if ttl <= 0 {
		ttl = 3 * 24 * time.Hour
	}
	db, err := buntdb.Open(dsn)
	if err != nil {
		return nil, err
	}
	return &BuntStore{db: db, ttl: ttl}, nil
}

func (s *BuntStore) Create(identity types.Identity) (string, error) {
	token, err := crypto.NewToken()
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(identity)
	if err != nil {
		return "", err
	}
	err = s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(sessionKeyPrefix+token, string(payload), &buntdb.SetOptions{
			Expires: true,
			TTL:     s.ttl,
		})
		return err
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

func (s *BuntStore) Resolve(token string) (types.Identity, bool, error) {
	var identity types.Identity
	found := false
	err := s.db.View(func(tx *buntdb.Tx) error {
		payload, err := tx.Get(sessionKeyPrefix + token)
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(payload), &identity); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return types.Identity{}, false, err
	}
	return identity, found, nil
}

func (s *BuntStore) Invalidate(token string) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(sessionKeyPrefix + token)
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
}

// Sweep is a no-op: buntdb expires keys itself.
func (s *BuntStore) Sweep() (int, error) { return 0, nil }

func (s *BuntStore) Close() error { return s.db.Close() }
