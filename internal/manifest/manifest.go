package manifest

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// dirPerm is the permission mode for the manifest directory.
	dirPerm = fs.FileMode(0o700)

	// filePerm is the permission mode for the manifest database file.
	filePerm = fs.FileMode(0o600)

	// openTimeout is the maximum time to wait for the bolt database lock.
	openTimeout = 5 * time.Second
)

// jobBucket names the bucket for one sync job. A job is identified by
// the remote root folder id and the output path under it, so separate
// targets never share upload history.
func jobBucket(rootID, output string) []byte {
	return []byte("job:" + rootID + ":" + output)
}

// Entry records the last successful upload of one destination path.
// Size and MTime form the cheap change check; SHA256 settles it when
// they disagree with the file on disk.
type Entry struct {
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	MTime    int64  `json:"mtime"`
	SHA256   string `json:"sha256"`
	RemoteID string `json:"remote_id"`
	Uploaded int64  `json:"uploaded"`
}

// Store wraps a bbolt database holding upload manifests.
type Store struct {
	db *bolt.DB
}

// Open opens the manifest database at the given path, creating it and
// its directory if needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, fmt.Errorf("creating manifest directory: %w", err)
	}

	db, err := bolt.Open(path, filePerm, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening manifest db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Job returns a handle bound to one sync job's bucket, creating the
// bucket if it does not exist.
func (s *Store) Job(rootID, output string) (*Job, error) {
	bucket := jobBucket(rootID, output)

	err := s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("initializing job bucket: %w", err)
	}

	return &Job{store: s, bucket: bucket}, nil
}

// Job is a view of the store scoped to a single sync job.
type Job struct {
	store  *Store
	bucket []byte
}

// Get returns the entry for a destination path, or nil if not recorded.
func (j *Job) Get(path string) (*Entry, error) {
	var e *Entry

	err := j.store.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(j.bucket)
		if b == nil {
			return nil
		}

		v := b.Get([]byte(path))
		if v == nil {
			return nil
		}

		e = &Entry{}

		return json.Unmarshal(v, e)
	})

	return e, err
}

// Put persists the entry under its destination path.
func (j *Job) Put(e Entry) error {
	return j.store.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(j.bucket)
		if b == nil {
			return fmt.Errorf("job bucket missing")
		}

		data, err := json.Marshal(e)
		if err != nil {
			return err
		}

		return b.Put([]byte(e.Path), data)
	})
}

// Delete removes the entry for a destination path.
func (j *Job) Delete(path string) error {
	return j.store.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(j.bucket)
		if b == nil {
			return nil
		}

		return b.Delete([]byte(path))
	})
}

// All returns every entry for the job, keyed by destination path.
func (j *Job) All() (map[string]Entry, error) {
	result := make(map[string]Entry)

	err := j.store.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(j.bucket)
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}

			result[string(k)] = e

			return nil
		})
	})

	return result, err
}

// Prune deletes every entry whose path is not in keep and returns how
// many were removed. Called after a run so paths that stopped being
// upload targets do not linger in the manifest.
func (j *Job) Prune(keep map[string]struct{}) (int, error) {
	pruned := 0

	err := j.store.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(j.bucket)
		if b == nil {
			return nil
		}

		var stale [][]byte

		err := b.ForEach(func(k, _ []byte) error {
			if _, ok := keep[string(k)]; !ok {
				key := make([]byte, len(k))
				copy(key, k)
				stale = append(stale, key)
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		pruned = len(stale)

		return nil
	})

	return pruned, err
}
