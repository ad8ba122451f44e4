package mongo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/robertarktes/ticket-waitlist/internal/observability"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// AuditLogger keeps one document per waitlist event. The message id is the
// document id, so a redelivered message is stored once.
type AuditLogger struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewAuditLogger(db *mongo.Database, logger observability.Logger) *AuditLogger {
	return &AuditLogger{
		coll:   db.Collection("audit_logs"),
		logger: logger,
	}
}

type AuditLog struct {
	ID        string    `bson:"_id"`
	Action    string    `bson:"action"`
	UserID    string    `bson:"user_id,omitempty"`
	EventID   string    `bson:"event_id,omitempty"`
	Timestamp time.Time `bson:"timestamp"`
	Data      bson.M    `bson:"data"`
}

// LogEvent stores the event and reports whether it was new.
func (a *AuditLogger) LogEvent(ctx context.Context, messageID, action string, body []byte) (bool, error) {
	var data bson.M
	if err := json.Unmarshal(body, &data); err != nil {
		return false, err
	}
	entry := AuditLog{
		ID:        messageID,
		Action:    action,
		Timestamp: time.Now(),
		Data:      data,
	}
	if v, ok := data["user_id"].(string); ok {
		entry.UserID = v
	}
	if v, ok := data["event_id"].(string); ok {
		entry.EventID = v
	}

	_, err := a.coll.InsertOne(ctx, entry)
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		a.logger.WithError(err).Error("failed to insert audit log")
		return false, err
	}
	return true, nil
}

// History returns the audit trail of one user for one event, oldest first.
func (a *AuditLogger) History(ctx context.Context, eventID, userID string) ([]AuditLog, error) {
	cur, err := a.coll.Find(ctx,
		bson.M{"event_id": eventID, "user_id": userID},
		options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	var logs []AuditLog
	if err := cur.All(ctx, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}
