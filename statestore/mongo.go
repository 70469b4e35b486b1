package statestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/queryloom/loom/types"
)

// MongoConfig configures the MongoDB backend.
type MongoConfig struct {
	URI        string `json:"uri" yaml:"uri"`
	Database   string `json:"database" yaml:"database"`
	Collection string `json:"collection" yaml:"collection"`
}

// DefaultMongoConfig returns the defaults.
func DefaultMongoConfig() MongoConfig {
	return MongoConfig{
		URI:        "mongodb://localhost:27017",
		Database:   "loom",
		Collection: "workflow_states",
	}
}

// mongoRecord is the document shape. The state travels as a JSON-compatible
// document keyed by execution id in _id.
type mongoRecord struct {
	ExecutionID string              `bson:"_id"`
	WorkflowID  string              `bson:"workflow_id"`
	Status      string              `bson:"status"`
	State       types.WorkflowState `bson:"state"`
	UpdatedAt   time.Time           `bson:"updated_at"`
}

// MongoStore persists one document per execution.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	logger     *zap.Logger
}

// NewMongoStore connects to MongoDB and verifies the connection.
func NewMongoStore(ctx context.Context, config MongoConfig, logger *zap.Logger) (*MongoStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Database == "" {
		config.Database = DefaultMongoConfig().Database
	}
	if config.Collection == "" {
		config.Collection = DefaultMongoConfig().Collection
	}

	client, err := mongo.Connect(options.Client().ApplyURI(config.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	return &MongoStore{
		client:     client,
		collection: client.Database(config.Database).Collection(config.Collection),
		logger:     logger.With(zap.String("component", "statestore_mongo")),
	}, nil
}

// SaveState upserts the document keyed by execution id.
func (m *MongoStore) SaveState(ctx context.Context, state *types.WorkflowState) error {
	record := mongoRecord{
		ExecutionID: state.ExecutionID,
		WorkflowID:  state.WorkflowID,
		Status:      string(state.Status),
		State:       *state,
		UpdatedAt:   state.UpdatedAt,
	}
	_, err := m.collection.ReplaceOne(ctx,
		bson.M{"_id": state.ExecutionID},
		record,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to save state %s: %w", state.ExecutionID, err)
	}
	return nil
}

// GetState loads the document.
func (m *MongoStore) GetState(ctx context.Context, executionID string) (*types.WorkflowState, error) {
	var record mongoRecord
	err := m.collection.FindOne(ctx, bson.M{"_id": executionID}).Decode(&record)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, notFound(executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load state %s: %w", executionID, err)
	}
	state := record.State
	return &state, nil
}

// DeleteState removes the document. Missing ids are ignored.
func (m *MongoStore) DeleteState(ctx context.Context, executionID string) error {
	if _, err := m.collection.DeleteOne(ctx, bson.M{"_id": executionID}); err != nil {
		return fmt.Errorf("failed to delete state %s: %w", executionID, err)
	}
	return nil
}

// Close disconnects the client.
func (m *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
