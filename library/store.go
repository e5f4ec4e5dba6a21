package library

import (
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var bucketLibraries = []byte("libraries")

// Store persists library sources in a bbolt file. Only sources are saved;
// compiled functions are rebuilt through the engine registry at startup.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (creating if needed) the library database at path.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open library store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketLibraries)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init library store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// SaveLibrary stores a library source under its digest.
func (s *Store) SaveLibrary(lib *Library) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLibraries).Put([]byte(lib.Sha), []byte(lib.Source))
	})
}

// DeleteLibrary removes a persisted source.
func (s *Store) DeleteLibrary(sha string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLibraries).Delete([]byte(sha))
	})
}

// LoadAll returns every persisted source keyed by digest.
func (s *Store) LoadAll() (map[string]string, error) {
	out := make(map[string]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLibraries).ForEach(func(k, v []byte) error {
			out[string(k)] = string(v)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
