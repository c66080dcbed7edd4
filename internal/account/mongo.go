package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Ensure MongoRepository implements Repository
var _ Repository = (*MongoRepository)(nil)

const accountCollection = "accounts"

// MongoRepository stores accounts in MongoDB with a unique index on external_id
type MongoRepository struct {
	client *mongo.Client
	coll   *mongo.Collection
}

type accountDoc struct {
	ID               string    `bson:"_id"`
	ExternalID       string    `bson:"external_id"`
	Provider         string    `bson:"provider"`
	DisplayName      string    `bson:"display_name"`
	Avatar           string    `bson:"avatar"`
	ProviderMetadata string    `bson:"provider_metadata,omitempty"`
	LinkedAt         time.Time `bson:"linked_at"`
	UpdatedAt        time.Time `bson:"updated_at"`
}

// NewMongoRepository connects to uri and ensures the account indexes exist
func NewMongoRepository(ctx context.Context, uri, database string) (*MongoRepository, error) {
	if uri == "" {
		return nil, fmt.Errorf("mongo uri is required")
	}
	if database == "" {
		return nil, fmt.Errorf("database is required")
	}

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	repo, err := newMongoRepository(ctx, client.Database(database))
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	repo.client = client
	return repo, nil
}

func newMongoRepository(ctx context.Context, db *mongo.Database) (*MongoRepository, error) {
	coll := db.Collection(accountCollection)

	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "external_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}
	if _, err := coll.Indexes().CreateMany(ctx, indexes); err != nil {
		return nil, fmt.Errorf("failed to create account indexes: %w", err)
	}

	return &MongoRepository{coll: coll}, nil
}

func (r *MongoRepository) FindByExternalID(ctx context.Context, externalID string) (*Account, error) {
	var doc accountDoc
	err := r.coll.FindOne(ctx, bson.M{"external_id": externalID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	return doc.toAccount(), nil
}

func (r *MongoRepository) Create(ctx context.Context, acct *Account) error {
	_, err := r.coll.InsertOne(ctx, fromAccount(acct))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrAccountExists
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (r *MongoRepository) Update(ctx context.Context, acct *Account) error {
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": acct.ID},
		bson.M{"$set": bson.M{
			"display_name":      acct.DisplayName,
			"avatar":            acct.Avatar,
			"provider_metadata": string(acct.ProviderMetadata),
			"updated_at":        acct.UpdatedAt,
		}},
	)
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// Close disconnects the client when the repository owns it
func (r *MongoRepository) Close() error {
	if r.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return r.client.Disconnect(ctx)
}

func fromAccount(a *Account) accountDoc {
	return accountDoc{
		ID:               a.ID,
		ExternalID:       a.ExternalID,
		Provider:         a.Provider,
		DisplayName:      a.DisplayName,
		Avatar:           a.Avatar,
		ProviderMetadata: string(a.ProviderMetadata),
		LinkedAt:         a.LinkedAt,
		UpdatedAt:        a.UpdatedAt,
	}
}

func (d accountDoc) toAccount() *Account {
	a := &Account{
		ID:          d.ID,
		ExternalID:  d.ExternalID,
		Provider:    d.Provider,
		DisplayName: d.DisplayName,
		Avatar:      d.Avatar,
		LinkedAt:    d.LinkedAt.UTC(),
		UpdatedAt:   d.UpdatedAt.UTC(),
	}
	if d.ProviderMetadata != "" {
		a.ProviderMetadata = json.RawMessage(d.ProviderMetadata)
	}
	return a
}
