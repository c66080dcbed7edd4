package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/dgellow/qrlogin/internal/crypto"
	"github.com/dgellow/qrlogin/internal/log"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Ensure FirestoreStorage implements StateStore
var _ StateStore = (*FirestoreStorage)(nil)

// FirestoreStorage keeps login states in a Firestore collection, one
// document per state token. Creation relies on Create failing for an
// existing document; terminal writes and consumption run in transactions.
type FirestoreStorage struct {
	client     *firestore.Client
	collection string
	codec      blobCodec
	now        func() time.Time
}

// LoginStateDoc represents a login state document in Firestore
type LoginStateDoc struct {
	State     string    `firestore:"state"`
	Status    string    `firestore:"status"`
	Session   string    `firestore:"session,omitempty"` // Encrypted session bundle
	Profile   string    `firestore:"profile,omitempty"`
	Message   string    `firestore:"message,omitempty"`
	CreatedAt time.Time `firestore:"created_at"`
	ExpiresAt time.Time `firestore:"expires_at"`
}

// NewFirestoreStorage creates a new Firestore storage instance
func NewFirestoreStorage(ctx context.Context, projectID, database, collection string, encryptor crypto.Encryptor) (*FirestoreStorage, error) {
	if encryptor == nil {
		return nil, fmt.Errorf("encryptor is required")
	}
	if projectID == "" {
		return nil, fmt.Errorf("projectID is required")
	}
	if collection == "" {
		return nil, fmt.Errorf("collection is required")
	}

	var client *firestore.Client
	var err error

	// Firestore client with custom database
	if database != "" && database != "(default)" {
		client, err = firestore.NewClientWithDatabase(ctx, projectID, database)
	} else {
		client, err = firestore.NewClient(ctx, projectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return &FirestoreStorage{
		client:     client,
		collection: collection,
		codec:      blobCodec{encryptor: encryptor},
		now:        time.Now,
	}, nil
}

func (s *FirestoreStorage) doc(state string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(state)
}

// CreateLoginState inserts a pending state
func (s *FirestoreStorage) CreateLoginState(ctx context.Context, state string, ttl time.Duration) (*LoginState, error) {
	now := s.now().UTC()
	ls := &LoginState{
		State:     state,
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	_, err := s.doc(state).Create(ctx, &LoginStateDoc{
		State:     state,
		Status:    string(StatusPending),
		CreatedAt: ls.CreatedAt,
		ExpiresAt: ls.ExpiresAt,
	})
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return nil, ErrStateExists
		}
		return nil, fmt.Errorf("failed to create login state: %w", err)
	}
	return ls, nil
}

// GetLoginState reads a state, deleting it if expired
func (s *FirestoreStorage) GetLoginState(ctx context.Context, state string) (*LoginState, error) {
	snap, err := s.doc(state).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrStateNotFound
		}
		return nil, fmt.Errorf("failed to get login state: %w", err)
	}

	ls, err := s.fromSnapshot(snap)
	if err != nil {
		return nil, err
	}

	if ls.Expired(s.now()) {
		// Only delete the version that was read
		_, err := s.doc(state).Delete(ctx, firestore.LastUpdateTime(snap.UpdateTime))
		if err != nil && status.Code(err) != codes.NotFound && status.Code(err) != codes.FailedPrecondition {
			return nil, fmt.Errorf("failed to delete expired login state: %w", err)
		}
		return nil, ErrStateExpired
	}
	return ls, nil
}

// SetLoginStateTerminal moves a pending state to a terminal status
func (s *FirestoreStorage) SetLoginStateTerminal(ctx context.Context, state string, st Status, result Result) error {
	if err := validateTerminal(st); err != nil {
		return err
	}

	var ls LoginState
	applyResult(&ls, st, result)
	sessionBlob, err := s.codec.encodeSession(ls.Session)
	if err != nil {
		return err
	}
	profileBlob, err := s.codec.encodeProfile(ls.Profile)
	if err != nil {
		return err
	}

	ref := s.doc(state)
	var outcome error

	err = s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		outcome = nil

		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				outcome = ErrStateNotFound
				return nil
			}
			return fmt.Errorf("failed to get login state: %w", err)
		}

		var doc LoginStateDoc
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("failed to unmarshal login state: %w", err)
		}

		if !s.now().Before(doc.ExpiresAt) {
			// Returning the sentinel from here would roll back the delete
			outcome = ErrStateExpired
			return tx.Delete(ref)
		}
		if Status(doc.Status) != StatusPending {
			outcome = ErrAlreadyTerminal
			return nil
		}

		return tx.Update(ref, []firestore.Update{
			{Path: "status", Value: string(st)},
			{Path: "session", Value: sessionBlob},
			{Path: "profile", Value: profileBlob},
			{Path: "message", Value: ls.Message},
		})
	})
	if err != nil {
		return fmt.Errorf("failed to set login state: %w", err)
	}
	return outcome
}

// ConsumeLoginState reads a state and deletes it if terminal
func (s *FirestoreStorage) ConsumeLoginState(ctx context.Context, state string) (*LoginState, error) {
	ref := s.doc(state)
	var (
		consumed *LoginState
		outcome  error
	)

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		consumed, outcome = nil, nil

		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				outcome = ErrStateNotFound
				return nil
			}
			return fmt.Errorf("failed to get login state: %w", err)
		}

		ls, err := s.fromSnapshot(snap)
		if err != nil {
			return err
		}

		if ls.Expired(s.now()) {
			outcome = ErrStateExpired
			return tx.Delete(ref)
		}

		consumed = ls
		if ls.Status.Terminal() {
			return tx.Delete(ref)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to consume login state: %w", err)
	}
	if outcome != nil {
		return nil, outcome
	}
	return consumed, nil
}

// DeleteLoginState removes a state if present
func (s *FirestoreStorage) DeleteLoginState(ctx context.Context, state string) error {
	_, err := s.doc(state).Delete(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("failed to delete login state: %w", err)
	}
	return nil
}

// CleanupExpiredLoginStates removes every expired state
func (s *FirestoreStorage) CleanupExpiredLoginStates(ctx context.Context) (int, error) {
	iter := s.client.Collection(s.collection).
		Where("expires_at", "<=", s.now().UTC()).
		Documents(ctx)
	defer iter.Stop()

	count := 0
	batch := s.client.Batch()
	batchSize := 0
	const maxBatchSize = 500 // Firestore batch write limit

	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return count, fmt.Errorf("failed to iterate expired login states: %w", err)
		}

		batch.Delete(doc.Ref)
		batchSize++
		count++

		if batchSize >= maxBatchSize {
			if _, err := batch.Commit(ctx); err != nil {
				return count, fmt.Errorf("failed to commit batch: %w", err)
			}
			batch = s.client.Batch()
			batchSize = 0
		}
	}

	if batchSize > 0 {
		if _, err := batch.Commit(ctx); err != nil {
			return count, fmt.Errorf("failed to commit final batch: %w", err)
		}
	}

	if count > 0 {
		log.LogDebugWithFields("firestore", "Deleted expired login states", map[string]any{
			"count": count,
		})
	}

	return count, nil
}

// Close closes the Firestore client
func (s *FirestoreStorage) Close() error {
	return s.client.Close()
}

func (s *FirestoreStorage) fromSnapshot(snap *firestore.DocumentSnapshot) (*LoginState, error) {
	var doc LoginStateDoc
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal login state: %w", err)
	}

	ls := &LoginState{
		State:     doc.State,
		Status:    Status(doc.Status),
		Message:   doc.Message,
		CreatedAt: doc.CreatedAt,
		ExpiresAt: doc.ExpiresAt,
	}

	var err error
	if ls.Session, err = s.codec.decodeSession(doc.Session); err != nil {
		return nil, err
	}
	if ls.Profile, err = s.codec.decodeProfile(doc.Profile); err != nil {
		return nil, err
	}
	return ls, nil
}
