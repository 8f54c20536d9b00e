package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/mansoorceksport/atomic-funnel/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoAttemptRepository implements domain.AttemptRepository
type MongoAttemptRepository struct {
	collection *mongo.Collection
}

// NewMongoAttemptRepository creates a new attempt ledger repository
// Note: No index creation to ensure zero-impact deployment on existing collections
func NewMongoAttemptRepository(db *mongo.Database) *MongoAttemptRepository {
	coll := db.Collection("funnel_attempts")
	return &MongoAttemptRepository{
		collection: coll,
	}
}

func (r *MongoAttemptRepository) Create(ctx context.Context, rec *domain.AttemptRecord) error {
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = time.Now().UTC()
	}

	doc := bson.M{
		"_id":          rec.ID, // ULID from the orchestrator
		"session_id":   rec.SessionID,
		"plan_id":      rec.PlanID,
		"price_idr":    rec.PriceIDR,
		"path":         string(rec.Path),
		"stage":        string(rec.Stage),
		"outcome":      rec.Outcome,
		"failure_kind": string(rec.FailureKind),
		"message":      rec.Message,
		"utm_source":   rec.UTMSource,
		"started_at":   rec.StartedAt.UTC(),
		"finished_at":  rec.FinishedAt.UTC(),
	}

	_, err := r.collection.InsertOne(ctx, doc)
	if err != nil {
		return fmt.Errorf("failed to create attempt record: %w", err)
	}
	return nil
}

func (r *MongoAttemptRepository) GetByID(ctx context.Context, id string) (*domain.AttemptRecord, error) {
	var raw bson.M
	if err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&raw); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get attempt record: %w", err)
	}
	return mapBsonToAttempt(raw), nil
}

func (r *MongoAttemptRepository) GetBySessionID(ctx context.Context, sessionID string) ([]*domain.AttemptRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "finished_at", Value: 1}})
	cursor, err := r.collection.Find(ctx, bson.M{"session_id": sessionID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts by session: %w", err)
	}
	defer cursor.Close(ctx)

	var rows []bson.M
	if err = cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("failed to read attempts by session: %w", err)
	}

	records := make([]*domain.AttemptRecord, 0, len(rows))
	for _, raw := range rows {
		records = append(records, mapBsonToAttempt(raw))
	}
	return records, nil
}

// CountByOutcome counts attempts per outcome for a campaign since a point in time
func (r *MongoAttemptRepository) CountByOutcome(ctx context.Context, utmSource string, since time.Time) (map[string]int64, error) {
	filter := bson.M{
		"utm_source":  utmSource,
		"finished_at": bson.M{"$gte": since.UTC()},
	}
	opts := options.Find().SetProjection(bson.M{"outcome": 1})

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to count attempts: %w", err)
	}
	defer cursor.Close(ctx)

	var rows []struct {
		Outcome string `bson:"outcome"`
	}
	if err = cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("failed to read attempt outcomes: %w", err)
	}

	counts := make(map[string]int64)
	for _, row := range rows {
		counts[row.Outcome]++
	}
	return counts, nil
}

func mapBsonToAttempt(raw bson.M) *domain.AttemptRecord {
	rec := &domain.AttemptRecord{}

	if id, ok := raw["_id"].(string); ok {
		rec.ID = id
	}
	if sessionID, ok := raw["session_id"].(string); ok {
		rec.SessionID = sessionID
	}
	if planID, ok := raw["plan_id"].(string); ok {
		rec.PlanID = planID
	}
	if price, ok := raw["price_idr"].(int64); ok {
		rec.PriceIDR = price
	} else if price, ok := raw["price_idr"].(int32); ok {
		rec.PriceIDR = int64(price)
	}
	if path, ok := raw["path"].(string); ok {
		rec.Path = domain.AttemptPath(path)
	}
	if stage, ok := raw["stage"].(string); ok {
		rec.Stage = domain.State(stage)
	}
	if outcome, ok := raw["outcome"].(string); ok {
		rec.Outcome = outcome
	}
	if kind, ok := raw["failure_kind"].(string); ok {
		rec.FailureKind = domain.FailureKind(kind)
	}
	if message, ok := raw["message"].(string); ok {
		rec.Message = message
	}
	if utm, ok := raw["utm_source"].(string); ok {
		rec.UTMSource = utm
	}
	if started, ok := raw["started_at"].(primitive.DateTime); ok {
		rec.StartedAt = started.Time()
	}
	if finished, ok := raw["finished_at"].(primitive.DateTime); ok {
		rec.FinishedAt = finished.Time()
	}

	return rec
}
