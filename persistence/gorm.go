package persistence

import (
	"errors"
	"fmt"

	"github.com/bridi/sealchat/config"
	"github.com/bridi/sealchat/types"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type GormPersist struct {
	db *gorm.DB
}

func NewGormPersister(cfg *config.Config) (Persister, error) {
	db, err := setupGormDB(cfg)
	if err != nil {
		return nil, err
	}
	return &GormPersist{db: db}, nil
}

func setupGormDB(cfg *config.Config) (*gorm.DB, error) {
	if cfg.PersistenceConfig.DSN == "" {
		return nil, fmt.Errorf("no persistence DSN configured")
	}
	var dial gorm.Dialector
	switch cfg.PersistenceConfig.Type {
	case "postgres":
		dial = postgres.Open(cfg.PersistenceConfig.DSN)

	case "sqlite":
		dial = sqlite.Open(cfg.PersistenceConfig.DSN)

	default:
		return nil, fmt.Errorf("invalid gorm configuration")
	}
	db, err := gorm.Open(dial, &gorm.Config{})
	if err != nil {
		return nil, err
	}
	err = db.AutoMigrate(
		&types.User{}, &types.Admin{}, &types.EmailToken{},
		&types.Room{}, &types.Membership{},
		&types.DirectChannel{}, &types.Message{},
	)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (p *GormPersist) StoreMessage(msg *types.Message) error {
	return p.db.Create(msg).Error
}

func (p *GormPersist) RoomHistory(roomID int64, limit int) ([]*types.Message, error) {
	return p.history("room_id = ?", roomID, limit)
}

func (p *GormPersist) DirectHistory(directID int64, limit int) ([]*types.Message, error) {
	return p.history("direct_id = ?", directID, limit)
}

func (p *GormPersist) history(cond string, id int64, limit int) ([]*types.Message, error) {
	messages := make([]*types.Message, 0)
	q := p.db.Where(cond, id).Order("timestamp DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&messages).Error; err != nil {
		return nil, err
	}
	// newest-last for replay
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (p *GormPersist) LoadMembership(userID int64) ([]int64, error) {
	own := make([]types.Membership, 0)
	if err := p.db.Where("user_id = ?", userID).Find(&own).Error; err != nil {
		return nil, err
	}
	rooms := make([]int64, 0, len(own))
	for _, m := range own {
		rooms = append(rooms, m.RoomID)
	}
	return rooms, nil
}

func (p *GormPersist) AddMember(roomID, userID int64) error {
	m := types.Membership{RoomID: roomID, UserID: userID}
	return p.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&m).Error
}

func (p *GormPersist) RemoveMember(roomID, userID int64) error {
	return p.db.Where("room_id = ? AND user_id = ?", roomID, userID).Delete(&types.Membership{}).Error
}

func (p *GormPersist) RoomMembers(roomID int64) ([]int64, error) {
	rows := make([]types.Membership, 0)
	if err := p.db.Where("room_id = ?", roomID).Find(&rows).Error; err != nil {
		return nil, err
	}
	members := make([]int64, 0, len(rows))
	for _, m := range rows {
		members = append(members, m.UserID)
	}
	return members, nil
}

func (p *GormPersist) StoreUser(user *types.User) error {
	return p.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(user).Error
}

func (p *GormPersist) GetUser(id int64) (*types.User, error) {
	user := types.User{}
	if err := p.db.First(&user, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

func (p *GormPersist) GetUserByUsername(username string) (*types.User, error) {
	user := types.User{}
	if err := p.db.Where("username = ?", username).First(&user).Error; err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

func (p *GormPersist) UpdatePassword(userID int64, hash, salt string) error {
	return p.db.Model(&types.User{}).Where("id = ?", userID).
		Updates(map[string]interface{}{"password_hash": hash, "salt": salt}).Error
}

func (p *GormPersist) SetEmailVerified(userID int64) error {
	return p.db.Model(&types.User{}).Where("id = ?", userID).
		Update("email_verified", true).Error
}

func (p *GormPersist) Users() ([]*types.User, error) {
	users := make([]*types.User, 0)
	err := p.db.Order("id").Find(&users).Error
	return users, err
}

func (p *GormPersist) IsAdmin(userID int64) (bool, error) {
	var count int64
	err := p.db.Model(&types.Admin{}).Where("user_id = ?", userID).Count(&count).Error
	return count > 0, err
}

func (p *GormPersist) SetAdmin(userID int64, admin bool) error {
	if admin {
		a := types.Admin{UserID: userID}
		return p.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&a).Error
	}
	return p.db.Where("user_id = ?", userID).Delete(&types.Admin{}).Error
}

func (p *GormPersist) StoreRoom(room *types.Room) error {
	return p.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(room).Error
}

func (p *GormPersist) GetRoom(id int64) (*types.Room, error) {
	room := types.Room{}
	if err := p.db.First(&room, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &room, nil
}

func (p *GormPersist) GetRoomByName(name string) (*types.Room, error) {
	room := types.Room{}
	if err := p.db.Where("name = ?", name).First(&room).Error; err != nil {
		return nil, notFound(err)
	}
	return &room, nil
}

func (p *GormPersist) Rooms() ([]*types.Room, error) {
	rooms := make([]*types.Room, 0)
	err := p.db.Order("id").Find(&rooms).Error
	return rooms, err
}

func (p *GormPersist) VisibleRooms() ([]*types.Room, error) {
	rooms := make([]*types.Room, 0)
	err := p.db.Where("hidden = ?", false).Order("id").Find(&rooms).Error
	return rooms, err
}

func (p *GormPersist) RoomsForUser(userID int64) ([]*types.Room, error) {
	rooms := make([]*types.Room, 0)
	err := p.db.
		Joins("JOIN memberships ON memberships.room_id = rooms.id").
		Where("memberships.user_id = ?", userID).
		Order("rooms.id").
		Find(&rooms).Error
	return rooms, err
}

func (p *GormPersist) DeleteRoom(id int64) error {
	return p.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("room_id = ?", id).Delete(&types.Membership{}).Error; err != nil {
			return err
		}
		return tx.Delete(&types.Room{}, id).Error
	})
}

func (p *GormPersist) StoreDirect(direct *types.DirectChannel) error {
	direct.UserAID, direct.UserBID = types.NormalizePair(direct.UserAID, direct.UserBID)
	return p.db.Create(direct).Error
}

func (p *GormPersist) GetDirect(userA, userB int64) (*types.DirectChannel, error) {
	lo, hi := types.NormalizePair(userA, userB)
	direct := types.DirectChannel{}
	if err := p.db.Where("user_a_id = ? AND user_b_id = ?", lo, hi).First(&direct).Error; err != nil {
		return nil, notFound(err)
	}
	return &direct, nil
}

func (p *GormPersist) DeleteDirect(userA, userB int64) error {
	lo, hi := types.NormalizePair(userA, userB)
	return p.db.Where("user_a_id = ? AND user_b_id = ?", lo, hi).Delete(&types.DirectChannel{}).Error
}

func (p *GormPersist) DirectsForUser(userID int64) ([]*types.DirectChannel, error) {
	directs := make([]*types.DirectChannel, 0)
	err := p.db.Where("user_a_id = ? OR user_b_id = ?", userID, userID).Order("id").Find(&directs).Error
	return directs, err
}

func (p *GormPersist) StoreEmailToken(userID int64, token string) error {
	t := types.EmailToken{UserID: userID, Token: token}
	return p.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(&t).Error
}

func (p *GormPersist) ConsumeEmailToken(token string) (int64, error) {
	t := types.EmailToken{}
	if err := p.db.Where("token = ?", token).First(&t).Error; err != nil {
		return 0, notFound(err)
	}
	if err := p.db.Where("token = ?", token).Delete(&types.EmailToken{}).Error; err != nil {
		return 0, err
	}
	return t.UserID, nil
}

func (p *GormPersist) Close() error {
	return nil
}
