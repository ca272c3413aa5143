package datastore

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/fly-io/fota-agent/pkg/errors"
	"go.etcd.io/bbolt"
)

var agentBucket = []byte("agent")

// BoltStore keeps values in a single bbolt bucket. bbolt fsyncs on every
// committed update transaction.
type BoltStore struct {
	db *bbolt.DB
}

// OpenBolt opens or creates the bbolt file at path
func OpenBolt(path string) (*BoltStore, error) {
	slog.Info("store_open", "backend", "bolt", "path", path)

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		slog.Error("store_open_failed", "backend", "bolt", "path", path, "error", err)
		return nil, errors.Wrap(err, "failed to open bolt store")
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(agentBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create bucket")
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Save(key string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "failed to encode value")
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(agentBucket).Put([]byte(key), payload)
	})
	if err != nil {
		slog.Error("store_save_failed", "key", key, "error", err)
		return errors.WithCode(err, errors.Generic, "failed to save "+key)
	}

	slog.Info("store_saved", "key", key, "bytes", len(payload))
	return nil
}

func (s *BoltStore) Load(key string, v any) error {
	var payload []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(agentBucket).Get([]byte(key))
		if raw == nil || bytes.Equal(raw, []byte("null")) {
			return nil
		}
		// raw is only valid inside the transaction.
		payload = append([]byte(nil), raw...)
		return nil
	})
	if err != nil {
		return errors.WithCode(err, errors.Generic, "failed to load "+key)
	}
	if payload == nil {
		return ErrNotFound
	}

	if err := json.Unmarshal(payload, v); err != nil {
		return errors.WithCode(err, errors.Generic, "could not unmarshal "+key)
	}
	return nil
}

func (s *BoltStore) Remove(key string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(agentBucket).Delete([]byte(key))
	})
	if err != nil {
		slog.Error("store_remove_failed", "key", key, "error", err)
		return errors.WithCode(err, errors.Generic, "failed to remove "+key)
	}
	slog.Info("store_removed", "key", key)
	return nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
