package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/nyashahama/click-tracker-backend/internal/tracking"
)

// Mongo stores one document per EmailRecord in the "emails" collection keyed
// by _id, and click log entries in "click_events".
type Mongo struct {
	client *mongo.Client
	emails *mongo.Collection
	clicks *mongo.Collection
	gen    tracking.IDGenerator
}

type emailDoc struct {
	ID        string     `bson:"_id"`
	Recipient string     `bson:"recipient"`
	Subject   string     `bson:"subject"`
	SentAt    time.Time  `bson:"sent_at"`
	Clicked   bool       `bson:"clicked"`
	ClickedAt *time.Time `bson:"clicked_at,omitempty"`
}

func (d emailDoc) record() tracking.EmailRecord {
	rec := tracking.EmailRecord{
		ID:        d.ID,
		Recipient: d.Recipient,
		Subject:   d.Subject,
		SentAt:    d.SentAt.UTC(),
		Clicked:   d.Clicked,
	}
	if d.ClickedAt != nil {
		t := d.ClickedAt.UTC()
		rec.ClickedAt = &t
	}
	return rec
}

type clickDoc struct {
	TrackingID string    `bson:"tracking_id"`
	Status     string    `bson:"status"`
	At         time.Time `bson:"at"`
	IPAddress  string    `bson:"ip_address,omitempty"`
	UserAgent  string    `bson:"user_agent,omitempty"`
	Device     string    `bson:"device,omitempty"`
}

// OpenMongo connects, pings, and ensures indexes.
func OpenMongo(ctx context.Context, uri, dbName string, gen tracking.IDGenerator) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo: ping: %w", err)
	}

	db := client.Database(dbName)
	m := &Mongo{
		client: client,
		emails: db.Collection("emails"),
		clicks: db.Collection("click_events"),
		gen:    gen,
	}

	_, err = m.clicks.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "tracking_id", Value: 1}},
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo: create index: %w", err)
	}
	return m, nil
}

// Close disconnects the client, waiting at most 10 seconds.
func (m *Mongo) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

// Drop deletes the whole database. Used by integration tests.
func (m *Mongo) Drop(ctx context.Context) error {
	return m.emails.Database().Drop(ctx)
}

func (m *Mongo) Create(ctx context.Context, in tracking.NewEmail) (tracking.EmailRecord, error) {
	in, err := in.Normalize()
	if err != nil {
		return tracking.EmailRecord{}, err
	}

	return tracking.CreateRecord(m.gen, in, func(in tracking.NewEmail) (tracking.EmailRecord, error) {
		doc := emailDoc{
			ID:        in.ID,
			Recipient: in.Recipient,
			Subject:   in.Subject,
			SentAt:    in.SentAt,
		}
		_, err := m.emails.InsertOne(ctx, doc)
		if err == nil {
			return doc.record(), nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return tracking.EmailRecord{}, classifyMongo("insert email", err)
		}

		// Same _id already stored: either an earlier attempt of this insert
		// landed or the id collided with another record.
		existing, err := m.Get(ctx, in.ID)
		if err != nil {
			return tracking.EmailRecord{}, err
		}
		if !existing.Matches(in) {
			return tracking.EmailRecord{}, tracking.ErrDuplicateID
		}
		return existing, nil
	})
}

func (m *Mongo) Get(ctx context.Context, id string) (tracking.EmailRecord, error) {
	var doc emailDoc
	err := m.emails.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return tracking.EmailRecord{}, tracking.ErrNotFound
	}
	if err != nil {
		return tracking.EmailRecord{}, classifyMongo("get email", err)
	}
	return doc.record(), nil
}

// MarkClicked uses a filtered FindOneAndUpdate, which is atomic on a single
// document: only the caller whose filter still matches clicked=false wins.
// The pipeline form lets clicked_at be clamped to sent_at server-side.
func (m *Mongo) MarkClicked(ctx context.Context, id string, at time.Time) (tracking.EmailRecord, bool, error) {
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "clicked", Value: true},
			{Key: "clicked_at", Value: bson.D{{Key: "$max", Value: bson.A{"$sent_at", at}}}},
		}}},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var doc emailDoc
	err := m.emails.FindOneAndUpdate(ctx, bson.M{"_id": id, "clicked": false}, update, opts).Decode(&doc)
	if err == nil {
		return doc.record(), true, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return tracking.EmailRecord{}, false, classifyMongo("mark clicked", err)
	}

	rec, err := m.Get(ctx, id)
	if err != nil {
		return tracking.EmailRecord{}, false, err
	}
	return rec, false, nil
}

func (m *Mongo) List(ctx context.Context) ([]tracking.EmailRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "sent_at", Value: -1}, {Key: "_id", Value: -1}})
	cur, err := m.emails.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, classifyMongo("list emails", err)
	}
	var docs []emailDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, classifyMongo("list emails", err)
	}

	out := make([]tracking.EmailRecord, len(docs))
	for i, d := range docs {
		out[i] = d.record()
	}
	return out, nil
}

func (m *Mongo) Discard(ctx context.Context, id string) error {
	res, err := m.emails.DeleteOne(ctx, bson.M{"_id": id, "clicked": false})
	if err != nil {
		return classifyMongo("discard email", err)
	}
	if res.DeletedCount == 1 {
		return nil
	}
	if _, err := m.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("discard %q: %w", id, tracking.ErrAlreadyClicked)
}

func (m *Mongo) AppendClick(ctx context.Context, ev tracking.ClickEvent) error {
	_, err := m.clicks.InsertOne(ctx, clickDoc{
		TrackingID: ev.TrackingID,
		Status:     string(ev.Status),
		At:         ev.At,
		IPAddress:  ev.IPAddress,
		UserAgent:  ev.UserAgent,
		Device:     ev.Device,
	})
	return classifyMongo("append click", err)
}

func (m *Mongo) CountClicks(ctx context.Context, id string) (int, error) {
	n, err := m.clicks.CountDocuments(ctx, bson.M{
		"tracking_id": id,
		"status":      bson.M{"$ne": string(tracking.ClickUnknownID)},
	})
	if err != nil {
		return 0, classifyMongo("count clicks", err)
	}
	return int(n), nil
}

// CountStats runs a single $group aggregation so both counts come from the
// same pass over the collection.
func (m *Mongo) CountStats(ctx context.Context) (int, int, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: nil},
			{Key: "total", Value: bson.D{{Key: "$sum", Value: 1}}},
			{Key: "clicked", Value: bson.D{{Key: "$sum", Value: bson.D{
				{Key: "$cond", Value: bson.A{"$clicked", 1, 0}},
			}}}},
		}}},
	}
	cur, err := m.emails.Aggregate(ctx, pipeline)
	if err != nil {
		return 0, 0, classifyMongo("count stats", err)
	}
	var out []struct {
		Total   int `bson:"total"`
		Clicked int `bson:"clicked"`
	}
	if err := cur.All(ctx, &out); err != nil {
		return 0, 0, classifyMongo("count stats", err)
	}
	if len(out) == 0 {
		return 0, 0, nil
	}
	return out[0].Total, out[0].Clicked, nil
}

func classifyMongo(op string, err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return tracking.Transient(op, err)
	}
	return fmt.Errorf("store: %s: %w", op, err)
}
