package store

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/DoyleJ11/whiteboard-backend/internal/engine"
)

type roomRow struct {
	RoomID       string  `gorm:"primaryKey;size:6"`
	CreatorID    string  `gorm:"size:64;not null"`
	RoomType     string  `gorm:"size:10;not null;default:'public'"`
	CanvasData   *string `gorm:"type:text"`
	CreatedAt    time.Time
	LastActivity time.Time `gorm:"index"`
}

func (roomRow) TableName() string { return "rooms" }

type chatRow struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	RoomID      string `gorm:"size:6;not null;index"`
	DisplayName string `gorm:"size:64;not null"`
	Message     string `gorm:"type:text;not null"`
	Timestamp   string `gorm:"size:64"`
	CreatedAt   time.Time
}

func (chatRow) TableName() string { return "chat_messages" }

type Postgres struct {
	db *gorm.DB
}

// gormWriter routes gorm's slow-query and error logs into zap.
type gormWriter struct{ *zap.SugaredLogger }

func (w gormWriter) Printf(format string, args ...any) { w.Warnf(format, args...) }

// NewPostgres connects with gorm and migrates the rooms and chat tables.
func NewPostgres(ctx context.Context, dsn string, log *zap.Logger) (*Postgres, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableAutomaticPing: true,
		TranslateError:       true,
		Logger: gormlogger.New(gormWriter{log.Named("gorm").Sugar()}, gormlogger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	if err := db.WithContext(ctx).AutoMigrate(&roomRow{}, &chatRow{}); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (p *Postgres) FindRoom(ctx context.Context, roomID string) (RoomRecord, error) {
	var row roomRow
	err := p.db.WithContext(ctx).Where("room_id = ?", roomID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return RoomRecord{}, ErrNotFound
	}
	if err != nil {
		return RoomRecord{}, err
	}

	var chats []chatRow
	err = p.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("id DESC").
		Limit(engine.ChatHistoryLimit).
		Find(&chats).Error
	if err != nil {
		return RoomRecord{}, err
	}
	slices.Reverse(chats)

	rec := RoomRecord{
		RoomID:       row.RoomID,
		CreatorID:    row.CreatorID,
		RoomType:     engine.RoomType(row.RoomType),
		CreatedAt:    row.CreatedAt,
		LastActivity: row.LastActivity,
	}
	if row.CanvasData != nil {
		rec.Canvas = json.RawMessage(*row.CanvasData)
	}
	for _, c := range chats {
		rec.Chat = append(rec.Chat, engine.ChatMessage{DisplayName: c.DisplayName, Message: c.Message, Timestamp: c.Timestamp})
	}
	return rec, nil
}

func (p *Postgres) CreateRoom(ctx context.Context, rec RoomRecord) error {
	row := roomRow{
		RoomID:       rec.RoomID,
		CreatorID:    rec.CreatorID,
		RoomType:     string(rec.RoomType),
		CreatedAt:    rec.CreatedAt,
		LastActivity: rec.LastActivity,
	}
	if rec.Canvas != nil {
		c := string(rec.Canvas)
		row.CanvasData = &c
	}
	err := p.db.WithContext(ctx).Create(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicate
	}
	return err
}

func (p *Postgres) UpdateCanvas(ctx context.Context, roomID string, canvas json.RawMessage) error {
	return p.setCanvas(ctx, roomID, string(canvas))
}

func (p *Postgres) ClearCanvas(ctx context.Context, roomID string) error {
	return p.setCanvas(ctx, roomID, string(engine.EmptyCanvas))
}

func (p *Postgres) setCanvas(ctx context.Context, roomID, canvas string) error {
	res := p.db.WithContext(ctx).Model(&roomRow{}).
		Where("room_id = ?", roomID).
		Updates(map[string]any{"canvas_data": canvas, "last_activity": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendChat inserts msg and trims the room's history to the newest ChatHistoryLimit rows.
func (p *Postgres) AppendChat(ctx context.Context, roomID string, msg engine.ChatMessage) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&roomRow{}).Where("room_id = ?", roomID).Update("last_activity", time.Now())
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		row := chatRow{RoomID: roomID, DisplayName: msg.DisplayName, Message: msg.Message, Timestamp: msg.Timestamp}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		keep := tx.Model(&chatRow{}).Select("id").
			Where("room_id = ?", roomID).
			Order("id DESC").
			Limit(engine.ChatHistoryLimit)
		return tx.Where("room_id = ? AND id NOT IN (?)", roomID, keep).Delete(&chatRow{}).Error
	})
}
