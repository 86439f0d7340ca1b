package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketMessages = []byte("messages")
	bucketStats    = []byte("stats")
	keyDelivery    = []byte("delivery")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketMessages, bucketStats} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) InsertMessage(msg *QueuedMessage) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketMessages)
		}
		if b.Get([]byte(msg.ID)) != nil {
			return fmt.Errorf("message %s: %w", msg.ID, ErrDuplicateID)
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return b.Put([]byte(msg.ID), data)
	})
}

func (s *BoltStore) GetMessage(id string) (*QueuedMessage, error) {
	var msg QueuedMessage
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketMessages)
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("message %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &msg)
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *BoltStore) DeleteMessage(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketMessages)
		}
		return b.Delete([]byte(id))
	})
}

func (s *BoltStore) ListMessages() ([]*QueuedMessage, error) {
	var msgs []*QueuedMessage
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		if b == nil {
			return nil // no bucket = no messages
		}
		msgs = make([]*QueuedMessage, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var msg QueuedMessage
			if err := json.Unmarshal(v, &msg); err != nil {
				return err
			}
			msgs = append(msgs, &msg)
			return nil
		})
	})
	return msgs, err
}

func (s *BoltStore) UpdateMessage(id string, fn func(msg *QueuedMessage) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketMessages)
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("message %s: %w", id, ErrNotFound)
		}
		var msg QueuedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		if err := fn(&msg); err != nil {
			return err
		}
		updated, err := json.Marshal(&msg)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), updated)
	})
}

func (s *BoltStore) SaveDeliveryStats(stats *DeliveryStats) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStats)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketStats)
		}
		data, err := json.Marshal(stats)
		if err != nil {
			return err
		}
		return b.Put(keyDelivery, data)
	})
}

func (s *BoltStore) GetDeliveryStats() (*DeliveryStats, error) {
	var stats DeliveryStats
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketStats)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketStats)
		}
		data := b.Get(keyDelivery)
		if data == nil {
			return fmt.Errorf("delivery stats: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &stats)
	})
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
