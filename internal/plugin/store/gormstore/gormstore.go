// Package gormstore implements the chat store on a relational database via
// GORM. A postgres:// DB URL selects the postgres driver; any other URL is
// treated as a sqlite DSN, which keeps local development and tests free of
// external services.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/convohq/chat-service/internal/config"
	"github.com/convohq/chat-service/internal/model"
	registrymigrate "github.com/convohq/chat-service/internal/registry/migrate"
	registrystore "github.com/convohq/chat-service/internal/registry/store"
	"github.com/convohq/chat-service/internal/security"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "gorm",
		Loader: func(ctx context.Context) (registrystore.ChatStore, error) {
			cfg := config.FromContext(ctx)
			db, err := open(cfg.DBURL)
			if err != nil {
				return nil, err
			}
			sqlDB, err := db.DB()
			if err != nil {
				return nil, fmt.Errorf("failed to get underlying db: %w", err)
			}
			sqlDB.SetMaxOpenConns(cfg.DBMaxOpenConns)
			sqlDB.SetMaxIdleConns(cfg.DBMaxIdleConns)
			if security.DBPoolMaxConnections != nil {
				security.DBPoolMaxConnections.Set(float64(cfg.DBMaxOpenConns))
			}

			// Periodically update the open connections gauge.
			go func() {
				ticker := time.NewTicker(15 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						if security.DBPoolOpenConnections != nil {
							security.DBPoolOpenConnections.Set(float64(sqlDB.Stats().OpenConnections))
						}
					}
				}
			}()

			return &GormStore{db: db}, nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &gormMigrator{}})
}

func open(dbURL string) (*gorm.DB, error) {
	gormCfg := &gorm.Config{TranslateError: true}
	if strings.HasPrefix(dbURL, "postgres://") || strings.HasPrefix(dbURL, "postgresql://") {
		// parse up front so a malformed URL fails with a clear error instead
		// of surfacing on the first query
		if _, err := pgx.ParseConfig(dbURL); err != nil {
			return nil, fmt.Errorf("invalid postgres URL: %w", err)
		}
		db, err := gorm.Open(postgres.Open(dbURL), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		return db, nil
	}
	db, err := gorm.Open(sqlite.Open(dbURL), gormCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	return db, nil
}

type gormMigrator struct{}

func (m *gormMigrator) Name() string { return "gorm-schema" }
func (m *gormMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg != nil && !cfg.DatastoreMigrateAtStart {
		return nil
	}
	if cfg.DatastoreType != "gorm" {
		return nil // skip if not using gorm
	}
	log.Info("Running migration", "name", m.Name())
	db, err := open(cfg.DBURL)
	if err != nil {
		return fmt.Errorf("migration: failed to connect: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	if err := db.WithContext(ctx).AutoMigrate(
		&model.Conversation{},
		&model.Message{},
		&conversationParticipant{},
	); err != nil {
		return fmt.Errorf("migration: failed to migrate schema: %w", err)
	}
	log.Info("Schema migration complete")
	return nil
}

// conversationParticipant mirrors the participant list into a join table so
// membership queries stay relational instead of unpacking JSON.
type conversationParticipant struct {
	ConversationID uuid.UUID `gorm:"primaryKey;type:uuid"`
	UserID         string    `gorm:"primaryKey;index"`
}

func (conversationParticipant) TableName() string { return "conversation_participants" }

// GormStore implements ChatStore using GORM.
type GormStore struct {
	db *gorm.DB
}

var _ registrystore.ChatStore = (*GormStore)(nil)

// --- conversations ---

func (s *GormStore) InsertConversation(ctx context.Context, conv *model.Conversation) error {
	syncOrdering(conv)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(conv).Error; err != nil {
			return err
		}
		return replaceParticipantRows(tx, conv)
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return &registrystore.ConflictError{
			Message: "direct conversation already exists",
			Code:    "DIRECT_EXISTS",
		}
	}
	if err != nil {
		return fmt.Errorf("failed to insert conversation: %w", err)
	}
	return nil
}

func (s *GormStore) GetConversation(ctx context.Context, conversationID uuid.UUID) (*model.Conversation, error) {
	var conv model.Conversation
	err := s.db.WithContext(ctx).First(&conv, "id = ?", conversationID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &registrystore.NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return &conv, nil
}

func (s *GormStore) FindDirectConversation(ctx context.Context, userA, userB string) (*model.Conversation, error) {
	key := model.DirectPairKey(userA, userB)
	var conv model.Conversation
	err := s.db.WithContext(ctx).First(&conv, "direct_key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &registrystore.NotFoundError{Resource: "conversation", ID: key}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find direct conversation: %w", err)
	}
	return &conv, nil
}

func (s *GormStore) ListConversationsForUser(ctx context.Context, userID string, page, limit int) ([]model.Conversation, int64, error) {
	base := s.db.WithContext(ctx).Model(&model.Conversation{}).
		Joins("JOIN conversation_participants cp ON cp.conversation_id = conversations.id").
		Where("cp.user_id = ?", userID).
		Session(&gorm.Session{})

	var total int64
	if err := base.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count conversations: %w", err)
	}

	var convs []model.Conversation
	err := base.
		Order("last_message_at DESC NULLS LAST").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&convs).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list conversations: %w", err)
	}
	return convs, total, nil
}

func (s *GormStore) SaveConversation(ctx context.Context, conv *model.Conversation) error {
	syncOrdering(conv)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(conv).Error; err != nil {
			return err
		}
		return replaceParticipantRows(tx, conv)
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return &registrystore.ConflictError{
			Message: "direct conversation already exists",
			Code:    "DIRECT_EXISTS",
		}
	}
	if err != nil {
		return fmt.Errorf("failed to save conversation: %w", err)
	}
	return nil
}

func (s *GormStore) DeleteConversation(ctx context.Context, conversationID uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&conversationParticipant{}, "conversation_id = ?", conversationID).Error; err != nil {
			return fmt.Errorf("failed to delete participant rows: %w", err)
		}
		res := tx.Delete(&model.Conversation{}, "id = ?", conversationID)
		if res.Error != nil {
			return fmt.Errorf("failed to delete conversation: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return &registrystore.NotFoundError{Resource: "conversation", ID: conversationID.String()}
		}
		return nil
	})
}

func syncOrdering(conv *model.Conversation) {
	if conv.LastMessage != nil {
		t := conv.LastMessage.Timestamp
		conv.LastMessageAt = &t
	} else {
		conv.LastMessageAt = nil
	}
}

func replaceParticipantRows(tx *gorm.DB, conv *model.Conversation) error {
	if err := tx.Delete(&conversationParticipant{}, "conversation_id = ?", conv.ID).Error; err != nil {
		return err
	}
	rows := make([]conversationParticipant, len(conv.Participants))
	for i, p := range conv.Participants {
		rows[i] = conversationParticipant{ConversationID: conv.ID, UserID: p.UserID}
	}
	if len(rows) == 0 {
		return nil
	}
	return tx.Create(&rows).Error
}

// --- messages ---

func (s *GormStore) InsertMessage(ctx context.Context, msg *model.Message) error {
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

func (s *GormStore) GetMessage(ctx context.Context, messageID uuid.UUID) (*model.Message, error) {
	var msg model.Message
	err := s.db.WithContext(ctx).First(&msg, "id = ?", messageID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &registrystore.NotFoundError{Resource: "message", ID: messageID.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return &msg, nil
}

func (s *GormStore) ListMessages(ctx context.Context, conversationID uuid.UUID, page, limit int) ([]model.Message, int64, error) {
	base := s.db.WithContext(ctx).Model(&model.Message{}).
		Where("conversation_id = ? AND is_deleted = ?", conversationID, false).
		Session(&gorm.Session{})

	var total int64
	if err := base.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count messages: %w", err)
	}

	var msgs []model.Message
	err := base.
		Order("created_at DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list messages: %w", err)
	}
	return msgs, total, nil
}

func (s *GormStore) SaveMessage(ctx context.Context, msg *model.Message) error {
	if err := s.db.WithContext(ctx).Save(msg).Error; err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// updateMessageLocked runs fn against the message row inside a transaction,
// locking the row on drivers that support it so concurrent sub-entity updates
// do not lose writes.
func (s *GormStore) updateMessageLocked(ctx context.Context, messageID uuid.UUID, fn func(msg *model.Message) bool) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx
		if tx.Dialector.Name() == "postgres" {
			q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var msg model.Message
		err := q.First(&msg, "id = ?", messageID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &registrystore.NotFoundError{Resource: "message", ID: messageID.String()}
		}
		if err != nil {
			return fmt.Errorf("failed to load message: %w", err)
		}
		if !fn(&msg) {
			return nil
		}
		if err := tx.Save(&msg).Error; err != nil {
			return fmt.Errorf("failed to save message: %w", err)
		}
		return nil
	})
}

func (s *GormStore) SetReaction(ctx context.Context, messageID uuid.UUID, userID string, reaction model.Reaction) error {
	return s.updateMessageLocked(ctx, messageID, func(msg *model.Message) bool {
		if msg.Reactions == nil {
			msg.Reactions = map[string]model.Reaction{}
		}
		msg.Reactions[userID] = reaction
		msg.UpdatedAt = time.Now().UTC()
		return true
	})
}

func (s *GormStore) RemoveReaction(ctx context.Context, messageID uuid.UUID, userID string) error {
	return s.updateMessageLocked(ctx, messageID, func(msg *model.Message) bool {
		if _, ok := msg.Reactions[userID]; !ok {
			return false
		}
		delete(msg.Reactions, userID)
		msg.UpdatedAt = time.Now().UTC()
		return true
	})
}

func (s *GormStore) MarkRead(ctx context.Context, messageID uuid.UUID, userID string, at time.Time) error {
	return s.updateMessageLocked(ctx, messageID, func(msg *model.Message) bool {
		if _, ok := msg.ReadBy[userID]; ok {
			return false // first write wins
		}
		if msg.ReadBy == nil {
			msg.ReadBy = map[string]time.Time{}
		}
		msg.ReadBy[userID] = at
		return true
	})
}

func (s *GormStore) DeleteMessagesByConversation(ctx context.Context, conversationID uuid.UUID) (int64, error) {
	res := s.db.WithContext(ctx).Delete(&model.Message{}, "conversation_id = ?", conversationID)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete messages: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *GormStore) LatestVisibleMessage(ctx context.Context, conversationID uuid.UUID) (*model.Message, error) {
	var msg model.Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND is_deleted = ?", conversationID, false).
		Order("created_at DESC").
		First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &registrystore.NotFoundError{Resource: "message", ID: conversationID.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find latest message: %w", err)
	}
	return &msg, nil
}

func (s *GormStore) Close(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
