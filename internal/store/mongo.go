package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/DoyleJ11/whiteboard-backend/internal/engine"
)

type roomDoc struct {
	RoomID       string    `bson:"roomId"`
	CreatorID    string    `bson:"creatorId"`
	RoomType     string    `bson:"roomType"`
	CanvasData   *string   `bson:"canvasData"`
	ChatMessages []chatDoc `bson:"chatMessages"`
	CreatedAt    time.Time `bson:"createdAt"`
	LastActivity time.Time `bson:"lastActivity"`
}

type chatDoc struct {
	Message     string    `bson:"message"`
	DisplayName string    `bson:"displayName"`
	Timestamp   string    `bson:"timestamp"`
	CreatedAt   time.Time `bson:"createdAt"`
}

type Mongo struct {
	client *mongo.Client
	rooms  *mongo.Collection
}

// NewMongo connects, pings the primary and ensures the unique roomId index.
func NewMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	opts := options.Client().ApplyURI(uri)
	if dl, ok := ctx.Deadline(); ok {
		opts.SetServerSelectionTimeout(time.Until(dl))
	}
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	rooms := client.Database(database).Collection("rooms")
	_, err = rooms.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "roomId", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "createdAt", Value: -1}}},
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return &Mongo{client: client, rooms: rooms}, nil
}

func (m *Mongo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func (m *Mongo) FindRoom(ctx context.Context, roomID string) (RoomRecord, error) {
	var doc roomDoc
	err := m.rooms.FindOne(ctx, bson.M{"roomId": roomID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return RoomRecord{}, ErrNotFound
	}
	if err != nil {
		return RoomRecord{}, err
	}
	rec := RoomRecord{
		RoomID:       doc.RoomID,
		CreatorID:    doc.CreatorID,
		RoomType:     engine.RoomType(doc.RoomType),
		CreatedAt:    doc.CreatedAt,
		LastActivity: doc.LastActivity,
	}
	if doc.CanvasData != nil {
		rec.Canvas = json.RawMessage(*doc.CanvasData)
	}
	for _, c := range doc.ChatMessages {
		rec.Chat = append(rec.Chat, engine.ChatMessage{DisplayName: c.DisplayName, Message: c.Message, Timestamp: c.Timestamp})
	}
	return rec, nil
}

func (m *Mongo) CreateRoom(ctx context.Context, rec RoomRecord) error {
	doc := roomDoc{
		RoomID:       rec.RoomID,
		CreatorID:    rec.CreatorID,
		RoomType:     string(rec.RoomType),
		ChatMessages: []chatDoc{},
		CreatedAt:    rec.CreatedAt,
		LastActivity: rec.LastActivity,
	}
	if rec.Canvas != nil {
		c := string(rec.Canvas)
		doc.CanvasData = &c
	}
	_, err := m.rooms.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	return err
}

func (m *Mongo) UpdateCanvas(ctx context.Context, roomID string, canvas json.RawMessage) error {
	return m.update(ctx, roomID, bson.M{"$set": bson.M{"canvasData": string(canvas), "lastActivity": time.Now()}})
}

func (m *Mongo) ClearCanvas(ctx context.Context, roomID string) error {
	return m.update(ctx, roomID, bson.M{"$set": bson.M{"canvasData": string(engine.EmptyCanvas), "lastActivity": time.Now()}})
}

// AppendChat pushes msg and keeps only the newest ChatHistoryLimit entries.
func (m *Mongo) AppendChat(ctx context.Context, roomID string, msg engine.ChatMessage) error {
	doc := chatDoc{Message: msg.Message, DisplayName: msg.DisplayName, Timestamp: msg.Timestamp, CreatedAt: time.Now()}
	return m.update(ctx, roomID, bson.M{
		"$push": bson.M{"chatMessages": bson.M{"$each": []chatDoc{doc}, "$slice": -engine.ChatHistoryLimit}},
		"$set":  bson.M{"lastActivity": time.Now()},
	})
}

func (m *Mongo) update(ctx context.Context, roomID string, update bson.M) error {
	res, err := m.rooms.UpdateOne(ctx, bson.M{"roomId": roomID}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}
