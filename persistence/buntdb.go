package persistence

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/bridi/sealchat/config"
	"github.com/bridi/sealchat/types"
	"github.com/tidwall/buntdb"
)

// BuntDBPersist is a single-file storage backend. Records are JSON values
// under typed key prefixes; message history uses a JSON index on the
// timestamp field.
type BuntDBPersist struct {
	db *buntdb.DB
}

// The types package hides secret fields from the wire (json:"-"); the buntdb
// backend needs them serialized, so it keeps its own record shapes.

type buntUser struct {
	ID            int64  `json:"id"`
	FullName      string `json:"full_name"`
	Surname       string `json:"surname"`
	Email         string `json:"email"`
	Username      string `json:"username"`
	PasswordHash  string `json:"password_hash"`
	Salt          string `json:"salt"`
	EmailVerified bool   `json:"email_verified"`
}

type buntRoom struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	PasswordHash    string `json:"password_hash"`
	Salt            string `json:"salt"`
	RequirePassword bool   `json:"require_password"`
	Hidden          bool   `json:"hidden"`
	SymmetricKey    string `json:"symmetric_key"`
}

type buntDirect struct {
	ID           int64  `json:"id"`
	UserAID      int64  `json:"user_a_id"`
	UserBID      int64  `json:"user_b_id"`
	SymmetricKey string `json:"symmetric_key"`
}

func toBuntUser(u *types.User) buntUser {
	return buntUser{u.ID, u.FullName, u.Surname, u.Email, u.Username, u.PasswordHash, u.Salt, u.EmailVerified}
}

func (u buntUser) toUser() *types.User {
	return &types.User{ID: u.ID, FullName: u.FullName, Surname: u.Surname, Email: u.Email,
		Username: u.Username, PasswordHash: u.PasswordHash, Salt: u.Salt, EmailVerified: u.EmailVerified}
}

func toBuntRoom(r *types.Room) buntRoom {
	return buntRoom{r.ID, r.Name, r.PasswordHash, r.Salt, r.RequirePassword, r.Hidden, r.SymmetricKey}
}

func (r buntRoom) toRoom() *types.Room {
	return &types.Room{ID: r.ID, Name: r.Name, PasswordHash: r.PasswordHash, Salt: r.Salt,
		RequirePassword: r.RequirePassword, Hidden: r.Hidden, SymmetricKey: r.SymmetricKey}
}

func toBuntDirect(d *types.DirectChannel) buntDirect {
	return buntDirect{d.ID, d.UserAID, d.UserBID, d.SymmetricKey}
}

func (d buntDirect) toDirect() *types.DirectChannel {
	return &types.DirectChannel{ID: d.ID, UserAID: d.UserAID, UserBID: d.UserBID, SymmetricKey: d.SymmetricKey}
}

func NewBuntPersister(cfg *config.Config) (Persister, error) {
	dsn := cfg.PersistenceConfig.DSN
	if dsn == "" {
		return nil, fmt.Errorf("no persistence DSN configured")
	}
	db, err := buntdb.Open(dsn)
	if err != nil {
		return nil, err
	}
	if err := db.CreateIndex("messagets", "message:*", buntdb.IndexJSON("timestamp")); err != nil && err != buntdb.ErrIndexExists {
		db.Close()
		return nil, err
	}
	if err := db.CreateIndex("username", "user:*", buntdb.IndexJSON("username")); err != nil && err != buntdb.ErrIndexExists {
		db.Close()
		return nil, err
	}
	if err := db.CreateIndex("roomname", "room:*", buntdb.IndexJSON("name")); err != nil && err != buntdb.ErrIndexExists {
		db.Close()
		return nil, err
	}
	return &BuntDBPersist{db: db}, nil
}

func nextSeq(tx *buntdb.Tx, name string) (int64, error) {
	key := "seq:" + name
	current := int64(0)
	if val, err := tx.Get(key); err == nil {
		current, err = strconv.ParseInt(val, 10, 64)
		if err != nil {
			return 0, err
		}
	} else if err != buntdb.ErrNotFound {
		return 0, err
	}
	current++
	if _, _, err := tx.Set(key, strconv.FormatInt(current, 10), nil); err != nil {
		return 0, err
	}
	return current, nil
}

func (p *BuntDBPersist) StoreMessage(msg *types.Message) error {
	msg.Timestamp = msg.Timestamp.UTC() // lexicographic timestamp ordering in the index
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set("message:"+msg.ID, string(raw), nil)
		return err
	})
}

func (p *BuntDBPersist) RoomHistory(roomID int64, limit int) ([]*types.Message, error) {
	return p.history(func(m *types.Message) bool { return m.RoomID == roomID }, limit)
}

func (p *BuntDBPersist) DirectHistory(directID int64, limit int) ([]*types.Message, error) {
	return p.history(func(m *types.Message) bool { return m.DirectID == directID }, limit)
}

func (p *BuntDBPersist) history(match func(*types.Message) bool, limit int) ([]*types.Message, error) {
	messages := make([]*types.Message, 0)
	err := p.db.View(func(tx *buntdb.Tx) error {
		return tx.Descend("messagets", func(key, val string) bool {
			msg := &types.Message{}
			if err := json.Unmarshal([]byte(val), msg); err != nil {
				return true
			}
			if match(msg) {
				messages = append(messages, msg)
			}
			return limit <= 0 || len(messages) < limit
		})
	})
	if err != nil {
		return nil, err
	}
	// newest-last for replay
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func memberKey(roomID, userID int64) string {
	return fmt.Sprintf("member:%d:%d", roomID, userID)
}

func parseMemberKey(key string) (roomID, userID int64, ok bool) {
	parts := strings.Split(key, ":")
	if len(parts) != 3 {
		return 0, 0, false
	}
	roomID, err1 := strconv.ParseInt(parts[1], 10, 64)
	userID, err2 := strconv.ParseInt(parts[2], 10, 64)
	return roomID, userID, err1 == nil && err2 == nil
}

func (p *BuntDBPersist) LoadMembership(userID int64) ([]int64, error) {
	rooms := make([]int64, 0)
	err := p.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("member:*", func(key, _ string) bool {
			if roomID, memberID, ok := parseMemberKey(key); ok && memberID == userID {
				rooms = append(rooms, roomID)
			}
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	return rooms, nil
}

func (p *BuntDBPersist) AddMember(roomID, userID int64) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(memberKey(roomID, userID), "1", nil)
		return err
	})
}

func (p *BuntDBPersist) RemoveMember(roomID, userID int64) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(memberKey(roomID, userID))
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
}

func (p *BuntDBPersist) RoomMembers(roomID int64) ([]int64, error) {
	members := make([]int64, 0)
	prefix := fmt.Sprintf("member:%d:", roomID)
	err := p.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefix+"*", func(key, _ string) bool {
			if _, userID, ok := parseMemberKey(key); ok {
				members = append(members, userID)
			}
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	return members, nil
}

func (p *BuntDBPersist) StoreUser(user *types.User) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		if user.ID == 0 {
			id, err := nextSeq(tx, "user")
			if err != nil {
				return err
			}
			user.ID = id
		}
		raw, err := json.Marshal(toBuntUser(user))
		if err != nil {
			return err
		}
		_, _, err = tx.Set(fmt.Sprintf("user:%d", user.ID), string(raw), nil)
		return err
	})
}

func (p *BuntDBPersist) GetUser(id int64) (*types.User, error) {
	var user *types.User
	err := p.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(fmt.Sprintf("user:%d", id))
		if err != nil {
			return err
		}
		record := buntUser{}
		if err := json.Unmarshal([]byte(val), &record); err != nil {
			return err
		}
		user = record.toUser()
		return nil
	})
	if err == buntdb.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (p *BuntDBPersist) GetUserByUsername(username string) (*types.User, error) {
	var user *types.User
	pivot := fmt.Sprintf(`{"username":%q}`, username)
	err := p.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendEqual("username", pivot, func(_, val string) bool {
			record := buntUser{}
			if err := json.Unmarshal([]byte(val), &record); err != nil {
				return true
			}
			user = record.toUser()
			return false
		})
	})
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrNotFound
	}
	return user, nil
}

func (p *BuntDBPersist) UpdatePassword(userID int64, hash, salt string) error {
	user, err := p.GetUser(userID)
	if err != nil {
		return err
	}
	user.PasswordHash = hash
	user.Salt = salt
	return p.StoreUser(user)
}

func (p *BuntDBPersist) SetEmailVerified(userID int64) error {
	user, err := p.GetUser(userID)
	if err != nil {
		return err
	}
	user.EmailVerified = true
	return p.StoreUser(user)
}

func (p *BuntDBPersist) Users() ([]*types.User, error) {
	users := make([]*types.User, 0)
	err := p.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("user:*", func(_, val string) bool {
			record := buntUser{}
			if err := json.Unmarshal([]byte(val), &record); err == nil {
				users = append(users, record.toUser())
			}
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	return users, nil
}

func (p *BuntDBPersist) IsAdmin(userID int64) (bool, error) {
	admin := false
	err := p.db.View(func(tx *buntdb.Tx) error {
		_, err := tx.Get(fmt.Sprintf("admin:%d", userID))
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		admin = true
		return nil
	})
	return admin, err
}

func (p *BuntDBPersist) SetAdmin(userID int64, admin bool) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		key := fmt.Sprintf("admin:%d", userID)
		if admin {
			_, _, err := tx.Set(key, "1", nil)
			return err
		}
		_, err := tx.Delete(key)
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
}

func (p *BuntDBPersist) StoreRoom(room *types.Room) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		if room.ID == 0 {
			id, err := nextSeq(tx, "room")
			if err != nil {
				return err
			}
			room.ID = id
		}
		raw, err := json.Marshal(toBuntRoom(room))
		if err != nil {
			return err
		}
		_, _, err = tx.Set(fmt.Sprintf("room:%d", room.ID), string(raw), nil)
		return err
	})
}

func (p *BuntDBPersist) GetRoom(id int64) (*types.Room, error) {
	var room *types.Room
	err := p.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(fmt.Sprintf("room:%d", id))
		if err != nil {
			return err
		}
		record := buntRoom{}
		if err := json.Unmarshal([]byte(val), &record); err != nil {
			return err
		}
		room = record.toRoom()
		return nil
	})
	if err == buntdb.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return room, nil
}

func (p *BuntDBPersist) GetRoomByName(name string) (*types.Room, error) {
	var room *types.Room
	pivot := fmt.Sprintf(`{"name":%q}`, name)
	err := p.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendEqual("roomname", pivot, func(_, val string) bool {
			record := buntRoom{}
			if err := json.Unmarshal([]byte(val), &record); err != nil {
				return true
			}
			room = record.toRoom()
			return false
		})
	})
	if err != nil {
		return nil, err
	}
	if room == nil {
		return nil, ErrNotFound
	}
	return room, nil
}

func (p *BuntDBPersist) Rooms() ([]*types.Room, error) {
	return p.rooms(func(buntRoom) bool { return true })
}

func (p *BuntDBPersist) VisibleRooms() ([]*types.Room, error) {
	return p.rooms(func(r buntRoom) bool { return !r.Hidden })
}

func (p *BuntDBPersist) rooms(keep func(buntRoom) bool) ([]*types.Room, error) {
	rooms := make([]*types.Room, 0)
	err := p.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("room:*", func(_, val string) bool {
			record := buntRoom{}
			if err := json.Unmarshal([]byte(val), &record); err == nil && keep(record) {
				rooms = append(rooms, record.toRoom())
			}
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	return rooms, nil
}

func (p *BuntDBPersist) RoomsForUser(userID int64) ([]*types.Room, error) {
	membership, err := p.LoadMembership(userID)
	if err != nil {
		return nil, err
	}
	rooms := make([]*types.Room, 0, len(membership))
	for _, roomID := range membership {
		room, err := p.GetRoom(roomID)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, nil
}

func (p *BuntDBPersist) DeleteRoom(id int64) error {
	members, err := p.RoomMembers(id)
	if err != nil {
		return err
	}
	return p.db.Update(func(tx *buntdb.Tx) error {
		for _, userID := range members {
			if _, err := tx.Delete(memberKey(id, userID)); err != nil && err != buntdb.ErrNotFound {
				return err
			}
		}
		_, err := tx.Delete(fmt.Sprintf("room:%d", id))
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
}

func directKey(userA, userB int64) string {
	lo, hi := types.NormalizePair(userA, userB)
	return fmt.Sprintf("direct:%d:%d", lo, hi)
}

func (p *BuntDBPersist) StoreDirect(direct *types.DirectChannel) error {
	direct.UserAID, direct.UserBID = types.NormalizePair(direct.UserAID, direct.UserBID)
	return p.db.Update(func(tx *buntdb.Tx) error {
		if direct.ID == 0 {
			id, err := nextSeq(tx, "direct")
			if err != nil {
				return err
			}
			direct.ID = id
		}
		raw, err := json.Marshal(toBuntDirect(direct))
		if err != nil {
			return err
		}
		_, _, err = tx.Set(directKey(direct.UserAID, direct.UserBID), string(raw), nil)
		return err
	})
}

func (p *BuntDBPersist) GetDirect(userA, userB int64) (*types.DirectChannel, error) {
	var direct *types.DirectChannel
	err := p.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(directKey(userA, userB))
		if err != nil {
			return err
		}
		record := buntDirect{}
		if err := json.Unmarshal([]byte(val), &record); err != nil {
			return err
		}
		direct = record.toDirect()
		return nil
	})
	if err == buntdb.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return direct, nil
}

func (p *BuntDBPersist) DeleteDirect(userA, userB int64) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(directKey(userA, userB))
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
}

func (p *BuntDBPersist) DirectsForUser(userID int64) ([]*types.DirectChannel, error) {
	directs := make([]*types.DirectChannel, 0)
	err := p.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("direct:*", func(_, val string) bool {
			record := buntDirect{}
			if err := json.Unmarshal([]byte(val), &record); err == nil {
				if record.UserAID == userID || record.UserBID == userID {
					directs = append(directs, record.toDirect())
				}
			}
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	return directs, nil
}

func (p *BuntDBPersist) StoreEmailToken(userID int64, token string) error {
	return p.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set("emailtoken:"+token, strconv.FormatInt(userID, 10), nil)
		return err
	})
}

func (p *BuntDBPersist) ConsumeEmailToken(token string) (int64, error) {
	userID := int64(0)
	err := p.db.Update(func(tx *buntdb.Tx) error {
		val, err := tx.Get("emailtoken:" + token)
		if err != nil {
			return err
		}
		userID, err = strconv.ParseInt(val, 10, 64)
		if err != nil {
			return err
		}
		_, err = tx.Delete("emailtoken:" + token)
		return err
	})
	if err == buntdb.ErrNotFound {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return userID, nil
}

func (p *BuntDBPersist) Close() error {
	return p.db.Close()
}
