package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/convohq/chat-service/internal/config"
	"github.com/convohq/chat-service/internal/model"
	registrymigrate "github.com/convohq/chat-service/internal/registry/migrate"
	registrystore "github.com/convohq/chat-service/internal/registry/store"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const dbName = "chat_service"

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "mongo",
		Loader: func(ctx context.Context) (registrystore.ChatStore, error) {
			cfg := config.FromContext(ctx)
			opts := options.Client().ApplyURI(cfg.DBURL)
			if cfg.DBMaxOpenConns > 0 {
				opts.SetMaxPoolSize(uint64(cfg.DBMaxOpenConns))
			}
			if cfg.DBMaxIdleConns > 0 {
				opts.SetMinPoolSize(uint64(cfg.DBMaxIdleConns))
			}
			client, err := mongo.Connect(opts)
			if err != nil {
				return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
			}
			if err := client.Ping(ctx, nil); err != nil {
				return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
			}
			return &MongoStore{
				client: client,
				db:     client.Database(dbName),
			}, nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &mongoMigrator{}})
}

type mongoMigrator struct{}

func (m *mongoMigrator) Name() string { return "mongo-schema" }
func (m *mongoMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg != nil && !cfg.DatastoreMigrateAtStart {
		return nil
	}
	if cfg.DatastoreType != "mongo" {
		return nil // skip if not using mongo
	}

	log.Info("Running migration", "name", m.Name())
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.DBURL))
	if err != nil {
		return fmt.Errorf("mongo migration: failed to connect: %w", err)
	}
	defer client.Disconnect(ctx)

	db := client.Database(dbName)

	collections := map[string][]mongo.IndexModel{
		"conversations": {
			{Keys: bson.D{{Key: "participants.user_id", Value: 1}}},
			{Keys: bson.D{{Key: "last_message.timestamp", Value: -1}}},
			// One direct thread per unordered user pair, enforced even when
			// two creates race. Group conversations carry no direct_key.
			{
				Keys: bson.D{{Key: "direct_key", Value: 1}},
				Options: options.Index().SetUnique(true).
					SetPartialFilterExpression(bson.M{"direct_key": bson.M{"$type": "string"}}).
					SetName("unique_direct_pair"),
			},
		},
		"messages": {
			{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "is_deleted", Value: 1}}},
			{Keys: bson.D{{Key: "sender_id", Value: 1}}},
		},
	}

	for name, indexes := range collections {
		coll := db.Collection(name)
		if len(indexes) > 0 {
			if _, err := coll.Indexes().CreateMany(ctx, indexes); err != nil {
				return fmt.Errorf("mongo migration: failed to create indexes on %s: %w", name, err)
			}
		}
	}
	return nil
}

// MongoStore implements the ChatStore contract on MongoDB collections.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

var _ registrystore.ChatStore = (*MongoStore)(nil)

// --- MongoDB document types ---

type participantDoc struct {
	UserID     string     `bson:"user_id"`
	Role       string     `bson:"role"`
	JoinedAt   time.Time  `bson:"joined_at"`
	LastReadAt *time.Time `bson:"last_read_at,omitempty"`
}

type summaryDoc struct {
	MessageID   string    `bson:"message_id"`
	Preview     string    `bson:"preview"`
	SenderID    string    `bson:"sender_id"`
	ContentType string    `bson:"content_type"`
	Timestamp   time.Time `bson:"timestamp"`
}

type settingsDoc struct {
	SlowModeSeconds int    `bson:"slow_mode_seconds"`
	IsPublic        bool   `bson:"is_public"`
	JoinLink        string `bson:"join_link,omitempty"`
}

type convDoc struct {
	ID           string           `bson:"_id"`
	Kind         string           `bson:"kind"`
	Name         string           `bson:"name,omitempty"`
	Description  string           `bson:"description,omitempty"`
	Picture      string           `bson:"picture,omitempty"`
	Participants []participantDoc `bson:"participants"`
	DirectKey    *string          `bson:"direct_key,omitempty"`
	LastMessage  *summaryDoc      `bson:"last_message,omitempty"`
	Settings     settingsDoc      `bson:"settings"`
	IsEncrypted  bool             `bson:"is_encrypted"`
	CreatedBy    string           `bson:"created_by"`
	CreatedAt    time.Time        `bson:"created_at"`
	UpdatedAt    time.Time        `bson:"updated_at"`
}

type reactionDoc struct {
	Emoji     string    `bson:"emoji"`
	Timestamp time.Time `bson:"timestamp"`
}

type metadataDoc struct {
	FileName     string     `bson:"file_name,omitempty"`
	FileSize     int64      `bson:"file_size,omitempty"`
	FileType     string     `bson:"file_type,omitempty"`
	FileURL      string     `bson:"file_url,omitempty"`
	ThumbnailURL string     `bson:"thumbnail_url,omitempty"`
	Duration     float64    `bson:"duration,omitempty"`
	Width        int        `bson:"width,omitempty"`
	Height       int        `bson:"height,omitempty"`
	Location     *geoDoc    `bson:"location,omitempty"`
}

type geoDoc struct {
	Longitude float64 `bson:"longitude"`
	Latitude  float64 `bson:"latitude"`
}

type msgDoc struct {
	ID             string                 `bson:"_id"`
	ConversationID string                 `bson:"conversation_id"`
	SenderID       string                 `bson:"sender_id"`
	Content        string                 `bson:"content"`
	ContentType    string                 `bson:"content_type"`
	Metadata       *metadataDoc           `bson:"metadata,omitempty"`
	ReplyTo        *string                `bson:"reply_to,omitempty"`
	Reactions      map[string]reactionDoc `bson:"reactions"`
	ReadBy         map[string]time.Time   `bson:"read_by"`
	IsEdited       bool                   `bson:"is_edited"`
	IsDeleted      bool                   `bson:"is_deleted"`
	DeletedAt      *time.Time             `bson:"deleted_at,omitempty"`
	CreatedAt      time.Time              `bson:"created_at"`
	UpdatedAt      time.Time              `bson:"updated_at"`
}

// --- collection helpers ---

func (s *MongoStore) conversations() *mongo.Collection { return s.db.Collection("conversations") }
func (s *MongoStore) messages() *mongo.Collection      { return s.db.Collection("messages") }

// UUIDs are stored as their string form for readability in mongosh.

func uuidToStr(id uuid.UUID) string { return id.String() }
func strToUUID(s string) uuid.UUID  { u, _ := uuid.Parse(s); return u }

func ptrUUIDToStr(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}

func ptrStrToUUID(s *string) *uuid.UUID {
	if s == nil {
		return nil
	}
	u := strToUUID(*s)
	return &u
}

// --- document mapping ---

func toConvDoc(c *model.Conversation) convDoc {
	parts := make([]participantDoc, len(c.Participants))
	for i, p := range c.Participants {
		parts[i] = participantDoc{
			UserID:     p.UserID,
			Role:       string(p.Role),
			JoinedAt:   p.JoinedAt,
			LastReadAt: p.LastReadAt,
		}
	}
	var summary *summaryDoc
	if c.LastMessage != nil {
		summary = &summaryDoc{
			MessageID:   uuidToStr(c.LastMessage.MessageID),
			Preview:     c.LastMessage.Preview,
			SenderID:    c.LastMessage.SenderID,
			ContentType: string(c.LastMessage.ContentType),
			Timestamp:   c.LastMessage.Timestamp,
		}
	}
	return convDoc{
		ID:           uuidToStr(c.ID),
		Kind:         string(c.Kind),
		Name:         c.Name,
		Description:  c.Description,
		Picture:      c.Picture,
		Participants: parts,
		DirectKey:    c.DirectKey,
		LastMessage:  summary,
		Settings: settingsDoc{
			SlowModeSeconds: c.Settings.SlowModeSeconds,
			IsPublic:        c.Settings.IsPublic,
			JoinLink:        c.Settings.JoinLink,
		},
		IsEncrypted: c.IsEncrypted,
		CreatedBy:   c.CreatedBy,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
}

func fromConvDoc(d convDoc) *model.Conversation {
	parts := make([]model.Participant, len(d.Participants))
	for i, p := range d.Participants {
		parts[i] = model.Participant{
			UserID:     p.UserID,
			Role:       model.Role(p.Role),
			JoinedAt:   p.JoinedAt,
			LastReadAt: p.LastReadAt,
		}
	}
	var summary *model.LastMessageSummary
	if d.LastMessage != nil {
		summary = &model.LastMessageSummary{
			MessageID:   strToUUID(d.LastMessage.MessageID),
			Preview:     d.LastMessage.Preview,
			SenderID:    d.LastMessage.SenderID,
			ContentType: model.ContentType(d.LastMessage.ContentType),
			Timestamp:   d.LastMessage.Timestamp,
		}
	}
	return &model.Conversation{
		ID:           strToUUID(d.ID),
		Kind:         model.Kind(d.Kind),
		Name:         d.Name,
		Description:  d.Description,
		Picture:      d.Picture,
		Participants: parts,
		DirectKey:    d.DirectKey,
		LastMessage:  summary,
		Settings: model.Settings{
			SlowModeSeconds: d.Settings.SlowModeSeconds,
			IsPublic:        d.Settings.IsPublic,
			JoinLink:        d.Settings.JoinLink,
		},
		IsEncrypted: d.IsEncrypted,
		CreatedBy:   d.CreatedBy,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

func toMsgDoc(m *model.Message) msgDoc {
	reactions := make(map[string]reactionDoc, len(m.Reactions))
	for uid, r := range m.Reactions {
		reactions[uid] = reactionDoc{Emoji: r.Emoji, Timestamp: r.Timestamp}
	}
	readBy := make(map[string]time.Time, len(m.ReadBy))
	for uid, at := range m.ReadBy {
		readBy[uid] = at
	}
	var meta *metadataDoc
	if m.Metadata != nil {
		meta = &metadataDoc{
			FileName:     m.Metadata.FileName,
			FileSize:     m.Metadata.FileSize,
			FileType:     m.Metadata.FileType,
			FileURL:      m.Metadata.FileURL,
			ThumbnailURL: m.Metadata.ThumbnailURL,
			Duration:     m.Metadata.Duration,
			Width:        m.Metadata.Width,
			Height:       m.Metadata.Height,
		}
		if m.Metadata.Location != nil {
			meta.Location = &geoDoc{
				Longitude: m.Metadata.Location.Longitude,
				Latitude:  m.Metadata.Location.Latitude,
			}
		}
	}
	return msgDoc{
		ID:             uuidToStr(m.ID),
		ConversationID: uuidToStr(m.ConversationID),
		SenderID:       m.SenderID,
		Content:        m.Content,
		ContentType:    string(m.ContentType),
		Metadata:       meta,
		ReplyTo:        ptrUUIDToStr(m.ReplyTo),
		Reactions:      reactions,
		ReadBy:         readBy,
		IsEdited:       m.IsEdited,
		IsDeleted:      m.IsDeleted,
		DeletedAt:      m.DeletedAt,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func fromMsgDoc(d msgDoc) *model.Message {
	reactions := make(map[string]model.Reaction, len(d.Reactions))
	for uid, r := range d.Reactions {
		reactions[uid] = model.Reaction{Emoji: r.Emoji, Timestamp: r.Timestamp}
	}
	readBy := make(map[string]time.Time, len(d.ReadBy))
	for uid, at := range d.ReadBy {
		readBy[uid] = at
	}
	var meta *model.MessageMetadata
	if d.Metadata != nil {
		meta = &model.MessageMetadata{
			FileName:     d.Metadata.FileName,
			FileSize:     d.Metadata.FileSize,
			FileType:     d.Metadata.FileType,
			FileURL:      d.Metadata.FileURL,
			ThumbnailURL: d.Metadata.ThumbnailURL,
			Duration:     d.Metadata.Duration,
			Width:        d.Metadata.Width,
			Height:       d.Metadata.Height,
		}
		if d.Metadata.Location != nil {
			meta.Location = &model.GeoPoint{
				Longitude: d.Metadata.Location.Longitude,
				Latitude:  d.Metadata.Location.Latitude,
			}
		}
	}
	return &model.Message{
		ID:             strToUUID(d.ID),
		ConversationID: strToUUID(d.ConversationID),
		SenderID:       d.SenderID,
		Content:        d.Content,
		ContentType:    model.ContentType(d.ContentType),
		Metadata:       meta,
		ReplyTo:        ptrStrToUUID(d.ReplyTo),
		Reactions:      reactions,
		ReadBy:         readBy,
		IsEdited:       d.IsEdited,
		IsDeleted:      d.IsDeleted,
		DeletedAt:      d.DeletedAt,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}

// --- conversations ---

func (s *MongoStore) InsertConversation(ctx context.Context, conv *model.Conversation) error {
	_, err := s.conversations().InsertOne(ctx, toConvDoc(conv))
	if mongo.IsDuplicateKeyError(err) {
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

func (s *MongoStore) GetConversation(ctx context.Context, conversationID uuid.UUID) (*model.Conversation, error) {
	var doc convDoc
	err := s.conversations().FindOne(ctx, bson.M{"_id": uuidToStr(conversationID)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &registrystore.NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return fromConvDoc(doc), nil
}

func (s *MongoStore) FindDirectConversation(ctx context.Context, userA, userB string) (*model.Conversation, error) {
	key := model.DirectPairKey(userA, userB)
	var doc convDoc
	err := s.conversations().FindOne(ctx, bson.M{"direct_key": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &registrystore.NotFoundError{Resource: "conversation", ID: key}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find direct conversation: %w", err)
	}
	return fromConvDoc(doc), nil
}

func (s *MongoStore) ListConversationsForUser(ctx context.Context, userID string, page, limit int) ([]model.Conversation, int64, error) {
	filter := bson.M{"participants.user_id": userID}

	total, err := s.conversations().CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count conversations: %w", err)
	}

	// Descending sort puts documents without a last_message last, which is
	// exactly the ordering the conversation list wants.
	opts := options.Find().
		SetSort(bson.D{{Key: "last_message.timestamp", Value: -1}}).
		SetSkip(int64((page - 1) * limit)).
		SetLimit(int64(limit))
	cur, err := s.conversations().Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list conversations: %w", err)
	}
	var docs []convDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, 0, fmt.Errorf("failed to decode conversations: %w", err)
	}

	convs := make([]model.Conversation, len(docs))
	for i, d := range docs {
		convs[i] = *fromConvDoc(d)
	}
	return convs, total, nil
}

func (s *MongoStore) SaveConversation(ctx context.Context, conv *model.Conversation) error {
	_, err := s.conversations().ReplaceOne(
		ctx,
		bson.M{"_id": uuidToStr(conv.ID)},
		toConvDoc(conv),
		options.Replace().SetUpsert(true),
	)
	if mongo.IsDuplicateKeyError(err) {
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

func (s *MongoStore) DeleteConversation(ctx context.Context, conversationID uuid.UUID) error {
	res, err := s.conversations().DeleteOne(ctx, bson.M{"_id": uuidToStr(conversationID)})
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	if res.DeletedCount == 0 {
		return &registrystore.NotFoundError{Resource: "conversation", ID: conversationID.String()}
	}
	return nil
}

// --- messages ---

func (s *MongoStore) InsertMessage(ctx context.Context, msg *model.Message) error {
	if _, err := s.messages().InsertOne(ctx, toMsgDoc(msg)); err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

func (s *MongoStore) GetMessage(ctx context.Context, messageID uuid.UUID) (*model.Message, error) {
	var doc msgDoc
	err := s.messages().FindOne(ctx, bson.M{"_id": uuidToStr(messageID)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &registrystore.NotFoundError{Resource: "message", ID: messageID.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return fromMsgDoc(doc), nil
}

func (s *MongoStore) ListMessages(ctx context.Context, conversationID uuid.UUID, page, limit int) ([]model.Message, int64, error) {
	filter := bson.M{
		"conversation_id": uuidToStr(conversationID),
		"is_deleted":      false,
	}

	total, err := s.messages().CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count messages: %w", err)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetSkip(int64((page - 1) * limit)).
		SetLimit(int64(limit))
	cur, err := s.messages().Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list messages: %w", err)
	}
	var docs []msgDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, 0, fmt.Errorf("failed to decode messages: %w", err)
	}

	msgs := make([]model.Message, len(docs))
	for i, d := range docs {
		msgs[i] = *fromMsgDoc(d)
	}
	return msgs, total, nil
}

func (s *MongoStore) SaveMessage(ctx context.Context, msg *model.Message) error {
	_, err := s.messages().ReplaceOne(
		ctx,
		bson.M{"_id": uuidToStr(msg.ID)},
		toMsgDoc(msg),
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

func (s *MongoStore) SetReaction(ctx context.Context, messageID uuid.UUID, userID string, reaction model.Reaction) error {
	res, err := s.messages().UpdateByID(ctx, uuidToStr(messageID), bson.M{
		"$set": bson.M{
			"reactions." + userID: reactionDoc{Emoji: reaction.Emoji, Timestamp: reaction.Timestamp},
			"updated_at":          time.Now().UTC(),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to set reaction: %w", err)
	}
	if res.MatchedCount == 0 {
		return &registrystore.NotFoundError{Resource: "message", ID: messageID.String()}
	}
	return nil
}

func (s *MongoStore) RemoveReaction(ctx context.Context, messageID uuid.UUID, userID string) error {
	res, err := s.messages().UpdateByID(ctx, uuidToStr(messageID), bson.M{
		"$unset": bson.M{"reactions." + userID: ""},
		"$set":   bson.M{"updated_at": time.Now().UTC()},
	})
	if err != nil {
		return fmt.Errorf("failed to remove reaction: %w", err)
	}
	if res.MatchedCount == 0 {
		return &registrystore.NotFoundError{Resource: "message", ID: messageID.String()}
	}
	return nil
}

func (s *MongoStore) MarkRead(ctx context.Context, messageID uuid.UUID, userID string, at time.Time) error {
	// The filter only matches while the user's receipt is absent, so the
	// first recorded read sticks and repeat reads are no-ops.
	_, err := s.messages().UpdateOne(ctx, bson.M{
		"_id":               uuidToStr(messageID),
		"read_by." + userID: bson.M{"$exists": false},
	}, bson.M{
		"$set": bson.M{"read_by." + userID: at},
	})
	if err != nil {
		return fmt.Errorf("failed to mark message read: %w", err)
	}
	return nil
}

func (s *MongoStore) DeleteMessagesByConversation(ctx context.Context, conversationID uuid.UUID) (int64, error) {
	res, err := s.messages().DeleteMany(ctx, bson.M{"conversation_id": uuidToStr(conversationID)})
	if err != nil {
		return 0, fmt.Errorf("failed to delete messages: %w", err)
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) LatestVisibleMessage(ctx context.Context, conversationID uuid.UUID) (*model.Message, error) {
	var doc msgDoc
	err := s.messages().FindOne(ctx, bson.M{
		"conversation_id": uuidToStr(conversationID),
		"is_deleted":      false,
	}, options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &registrystore.NotFoundError{Resource: "message", ID: conversationID.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find latest message: %w", err)
	}
	return fromMsgDoc(doc), nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
