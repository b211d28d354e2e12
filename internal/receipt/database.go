package receipt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

const (
	bucketName         = "receipts"
	settingsBucketName = "user_settings"
)

// DB defines the interface for job record persistence
type DB interface {
	// CreateReceipt inserts a new receipt
	CreateReceipt(ctx context.Context, receipt *Receipt) error

	// GetReceipt retrieves a receipt by ID
	GetReceipt(ctx context.Context, id string) (*Receipt, error)

	// ListReceipts returns all receipts, newest first
	ListReceipts(ctx context.Context) ([]*Receipt, error)

	// UpdateReceipt reads the current record, applies fn and writes it back in one transaction.
	// The revision is bumped on every successful write.
	UpdateReceipt(ctx context.Context, id string, fn func(*Receipt) error) (*Receipt, error)

	// DeleteReceipt removes a receipt from the database
	DeleteReceipt(ctx context.Context, id string) error

	// UserAPIKey returns the stored extraction-service key for a user, or "" when none is set
	UserAPIKey(ctx context.Context, userID string) (string, error)

	// SaveUserAPIKey stores the extraction-service key for a user
	SaveUserAPIKey(ctx context.Context, userID, apiKey string) error

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{bucketName, settingsBucketName} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// CreateReceipt inserts a new receipt; an existing ID is rejected
func (b *BoltDB) CreateReceipt(_ context.Context, receipt *Receipt) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		if bucket.Get([]byte(receipt.ID)) != nil {
			return fmt.Errorf("receipt %s already exists", receipt.ID)
		}
		data, err := json.Marshal(receipt)
		if err != nil {
			return fmt.Errorf("marshaling receipt: %w", err)
		}
		return bucket.Put([]byte(receipt.ID), data)
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return nil
}

// GetReceipt retrieves a receipt by ID
func (b *BoltDB) GetReceipt(_ context.Context, id string) (*Receipt, error) {
	var receipt *Receipt
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		receipt, err = getReceipt(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

func getReceipt(tx *bbolt.Tx, id string) (*Receipt, error) {
	data := tx.Bucket([]byte(bucketName)).Get([]byte(id))
	if data == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var receipt Receipt
	if err := json.Unmarshal(data, &receipt); err != nil {
		return nil, fmt.Errorf("unmarshaling receipt: %w", err)
	}
	return &receipt, nil
}

// ListReceipts returns all receipts, newest first
func (b *BoltDB) ListReceipts(_ context.Context) ([]*Receipt, error) {
	receipts := make([]*Receipt, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		return bucket.ForEach(func(k, v []byte) error {
			var receipt Receipt
			if err := json.Unmarshal(v, &receipt); err != nil {
				return fmt.Errorf("unmarshaling receipt: %w", err)
			}
			receipts = append(receipts, &receipt)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(receipts, func(i, j int) bool {
		return receipts[i].CreatedAt.After(receipts[j].CreatedAt)
	})
	return receipts, nil
}

// UpdateReceipt applies fn to the stored receipt inside a single write transaction
func (b *BoltDB) UpdateReceipt(_ context.Context, id string, fn func(*Receipt) error) (*Receipt, error) {
	var updated *Receipt
	var fnErr error
	err := b.db.Update(func(tx *bbolt.Tx) error {
		receipt, err := getReceipt(tx, id)
		if err != nil {
			return err
		}
		if err := fn(receipt); err != nil {
			fnErr = err
			return err
		}
		receipt.Revision++
		data, err := json.Marshal(receipt)
		if err != nil {
			return fmt.Errorf("marshaling receipt: %w", err)
		}
		if err := tx.Bucket([]byte(bucketName)).Put([]byte(id), data); err != nil {
			return err
		}
		updated = receipt
		return nil
	})
	switch {
	case err == nil:
		return updated, nil
	case fnErr != nil, errors.Is(err, ErrNotFound):
		return nil, err
	default:
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
}

// DeleteReceipt removes a receipt from the database
func (b *BoltDB) DeleteReceipt(_ context.Context, id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		if bucket.Get([]byte(id)) == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return bucket.Delete([]byte(id))
	})
}

// UserAPIKey returns the stored key for a user
func (b *BoltDB) UserAPIKey(_ context.Context, userID string) (string, error) {
	var key string
	err := b.db.View(func(tx *bbolt.Tx) error {
		key = string(tx.Bucket([]byte(settingsBucketName)).Get([]byte(userID)))
		return nil
	})
	return key, err
}

// SaveUserAPIKey stores the key for a user; an empty key clears it
func (b *BoltDB) SaveUserAPIKey(_ context.Context, userID, apiKey string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(settingsBucketName))
		if apiKey == "" {
			return bucket.Delete([]byte(userID))
		}
		return bucket.Put([]byte(userID), []byte(apiKey))
	})
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
