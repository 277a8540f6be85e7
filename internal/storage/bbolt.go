package storage

import (
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"parley/internal/models"
)

var (
	bucketSessions = []byte("sessions")
	bucketOutbox   = []byte("outbox")
)

type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketSessions, bucketOutbox} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

func (s *BboltStorage) put(bucket []byte, item Storeable) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := item.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucket).Put(item.Key(), data)
	})
}

// SaveSession stores the login for baseURL, replacing any previous one.
func (s *BboltStorage) SaveSession(baseURL string, identity models.Identity) error {
	return s.put(bucketSessions, &DBSession{
		BaseURL: baseURL,
		UserID:  identity.UserID,
		Token:   identity.Token,
		SavedAt: time.Now().Unix(),
	})
}

// LoadSession returns the saved login for baseURL or models.ErrNotFound.
func (s *BboltStorage) LoadSession(baseURL string) (models.Identity, error) {
	var session DBSession
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSessions).Get([]byte(baseURL))
		if data == nil {
			return fmt.Errorf("session for %s: %w", baseURL, models.ErrNotFound)
		}
		return session.UnmarshalBinary(data)
	})
	if err != nil {
		return models.Identity{}, err
	}
	return models.Identity{UserID: session.UserID, Token: session.Token}, nil
}

func (s *BboltStorage) DeleteSession(baseURL string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(baseURL))
	})
}

// PutOutbox keeps a failed message for a later resend.
func (s *BboltStorage) PutOutbox(msg models.Message) error {
	return s.put(bucketOutbox, &DBOutboxMessage{
		TransientID: msg.TransientID,
		SenderID:    msg.SenderID,
		ReceiverID:  msg.ReceiverID,
		Body:        msg.Body,
		Kind:        string(msg.Kind),
		CreatedAt:   msg.CreatedAt.UnixMilli(),
	})
}

// ListOutbox returns kept messages ordered by transient id.
func (s *BboltStorage) ListOutbox() ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketOutbox).ForEach(func(k, v []byte) error {
			var dbMsg DBOutboxMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, models.Message{
				TransientID: dbMsg.TransientID,
				SenderID:    dbMsg.SenderID,
				ReceiverID:  dbMsg.ReceiverID,
				Body:        dbMsg.Body,
				Kind:        models.Kind(dbMsg.Kind),
				CreatedAt:   time.UnixMilli(dbMsg.CreatedAt),
				Delivery:    models.DeliveryFailed,
			})
			return nil
		})
	})
	return messages, err
}

func (s *BboltStorage) DeleteOutbox(transientID int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		key := (&DBOutboxMessage{TransientID: transientID}).Key()
		return tx.Bucket(bucketOutbox).Delete(key)
	})
}
