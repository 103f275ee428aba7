package recorder

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/lxstack/lxmq/pkg/fault"
	"github.com/lxstack/lxmq/pkg/types"
)

var (
	// Bucket names
	bucketEnvironments = []byte("environments")
	bucketUsers        = []byte("users")
)

// Store persists environment documents in a BoltDB file.
type Store struct {
	db *bolt.DB
}

// NewStore opens (or creates) the database under dataDir.
func NewStore(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "lxmq.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketEnvironments, bucketUsers} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertEnvironment stores the full environment document keyed by its id,
// and the owning user keyed by the user id. Repeated events for the same
// environment overwrite the previous document.
func (s *Store) UpsertEnvironment(env *types.Environment) error {
	if env.ID == "" {
		return fault.New(fault.Validation, "environment has no id")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		doc, err := json.Marshal(env)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketEnvironments).Put([]byte(env.ID), doc); err != nil {
			return err
		}
		if env.User != nil && env.User.ID != "" {
			user, err := json.Marshal(env.User)
			if err != nil {
				return err
			}
			return tx.Bucket(bucketUsers).Put([]byte(env.User.ID), user)
		}
		return nil
	})
}

// GetEnvironment returns the stored document for id.
func (s *Store) GetEnvironment(id string) (*types.Environment, error) {
	var env types.Environment
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketEnvironments).Get([]byte(id))
		if data == nil {
			return fault.New(fault.NotFound, "environment not found: %s", id)
		}
		return json.Unmarshal(data, &env)
	})
	if err != nil {
		return nil, err
	}
	return &env, nil
}

// ListEnvironments returns every stored environment document.
func (s *Store) ListEnvironments() ([]*types.Environment, error) {
	var envs []*types.Environment
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEnvironments).ForEach(func(k, v []byte) error {
			var env types.Environment
			if err := json.Unmarshal(v, &env); err != nil {
				return err
			}
			envs = append(envs, &env)
			return nil
		})
	})
	return envs, err
}

// GetUser returns the stored user document for id.
func (s *Store) GetUser(id string) (*types.User, error) {
	var user types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(id))
		if data == nil {
			return fault.New(fault.NotFound, "user not found: %s", id)
		}
		return json.Unmarshal(data, &user)
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}
