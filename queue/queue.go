// Package queue implements the durable Request Queue (Q): an ordered,
// durable mapping from parent-directory path to a FIFO list of pending
// mutations, described in spec §3 and §6. It is backed by bbolt, with one
// bucket per parent directory so a whole directory's entries can be
// removed or re-parented atomically in a single transaction.
package queue

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"path"
	"sync"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/rqtree/rqshare/rqerrors"
)

// Method identifies the HTTP-shaped mutation a queue entry replays.
type Method string

// The mutation methods a queue entry can carry.
const (
	PUT    Method = "PUT"
	POST   Method = "POST"
	DELETE Method = "DELETE"
	MOVE   Method = "MOVE"
)

// Entry is a single pending mutation, durable across restart.
type Entry struct {
	ID           string // opaque identifier, for logging/tracing only
	Method       Method
	Path         string // logical source name
	DestPath     string // destination name, only for MOVE
	RemotePrefix string // absolute root to resolve bytes against R at replay time
	LocalPrefix  string // absolute root to resolve bytes against L at replay time
	Attempts     int    // permanent-failure replay attempts so far (spec §4.2 retry limit)
}

// rootBucket holds one nested bucket per parent directory; nesting keeps
// a directory's entries physically grouped so RemovePath/UpdatePath can
// operate on a single child bucket.
var rootBucket = []byte("rq_queue")

// Queue is the durable request queue.
type Queue struct {
	db *bolt.DB
	mu sync.Mutex // serializes sequence allocation across all parents
}

// Open opens (creating if necessary) the durable queue at path.
func Open(dbPath string) (*Queue, error) {
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, rqerrors.Wrap(rqerrors.Queue, err, "open queue database")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(rootBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, rqerrors.Wrap(rqerrors.Queue, err, "initialize queue database")
	}
	return &Queue{db: db}, nil
}

// Close releases the underlying database handle.
func (q *Queue) Close() error {
	return q.db.Close()
}

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

// QueueRequest durably appends entry to the FIFO for parent, as given by
// the caller; it does not derive the parent from entry.Path.
func (q *Queue) QueueRequest(parent string, entry Entry) error {
	parent = path.Clean("/" + parent)
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
		return rqerrors.Wrap(rqerrors.Queue, err, "encode queue entry")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	return q.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(rootBucket)
		dirBucket, err := root.CreateBucketIfNotExists([]byte(parent))
		if err != nil {
			return err
		}
		seq, err := dirBucket.NextSequence()
		if err != nil {
			return err
		}
		return dirBucket.Put(seqKey(seq), buf.Bytes())
	})
}

// GetRequests returns the pending entries for parent, in FIFO order.
func (q *Queue) GetRequests(parent string) ([]Entry, error) {
	parent = path.Clean("/" + parent)
	var entries []Entry
	err := q.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(rootBucket)
		dirBucket := root.Bucket([]byte(parent))
		if dirBucket == nil {
			return nil
		}
		return dirBucket.ForEach(func(k, v []byte) error {
			var e Entry
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&e); err != nil {
				return err
			}
			entries = append(entries, e)
			return nil
		})
	})
	if err != nil {
		return nil, rqerrors.Wrap(rqerrors.Queue, err, "read queue entries")
	}
	return entries, nil
}

// GetMethods returns a basename -> Method map for parent, matching the
// pendingRequests shape spec §4.1.3 step 3 expects list() to consult.
func (q *Queue) GetMethods(parent string) (map[string]Method, error) {
	entries, err := q.GetRequests(parent)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Method, len(entries))
	for _, e := range entries {
		out[path.Base(e.Path)] = e.Method
	}
	return out, nil
}

// IncrementAttempts increments the Attempts counter of the entry identified
// by id within parent's FIFO, persisting it at its existing sequence key
// (so its FIFO position is unchanged), and returns the new count. Used by
// the sync processor to count permanent-failure replay attempts towards
// Opt.Sync.RetryLimit before purging (spec §4.2 "after a configurable
// retry limit the entry is purged").
func (q *Queue) IncrementAttempts(parent, id string) (int, error) {
	parent = path.Clean("/" + parent)
	var attempts int
	err := q.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(rootBucket)
		dirBucket := root.Bucket([]byte(parent))
		if dirBucket == nil {
			return rqerrors.New(rqerrors.Queue, "increment attempts: no entries for "+parent)
		}
		var targetKey []byte
		var entry Entry
		err := dirBucket.ForEach(func(k, v []byte) error {
			if targetKey != nil {
				return nil
			}
			var e Entry
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&e); err != nil {
				return err
			}
			if e.ID == id {
				targetKey = append([]byte(nil), k...)
				entry = e
			}
			return nil
		})
		if err != nil {
			return err
		}
		if targetKey == nil {
			return rqerrors.New(rqerrors.Queue, "increment attempts: entry not found")
		}
		entry.Attempts++
		attempts = entry.Attempts
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
			return err
		}
		return dirBucket.Put(targetKey, buf.Bytes())
	})
	if err != nil {
		return 0, rqerrors.Wrap(rqerrors.Queue, err, "increment attempts for "+id)
	}
	return attempts, nil
}

// RemoveEntry removes a single entry (by ID) from parent's FIFO; used by
// the sync processor once an entry has been successfully replayed or
// permanently failed.
func (q *Queue) RemoveEntry(parent, id string) error {
	parent = path.Clean("/" + parent)
	return q.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(rootBucket)
		dirBucket := root.Bucket([]byte(parent))
		if dirBucket == nil {
			return nil
		}
		var target []byte
		err := dirBucket.ForEach(func(k, v []byte) error {
			if target != nil {
				return nil
			}
			var e Entry
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&e); err != nil {
				return err
			}
			if e.ID == id {
				target = append([]byte(nil), k...)
			}
			return nil
		})
		if err != nil {
			return err
		}
		if target == nil {
			return nil
		}
		return dirBucket.Delete(target)
	})
}

// RemovePath deletes every entry whose parent directory is prefix or a
// descendant of prefix, atomically. Used by deleteDirectory (spec
// §4.1.7) so a directory delete can never leave orphaned queue entries
// for its subtree; all matching buckets are deleted inside one
// transaction.
func (q *Queue) RemovePath(prefix string) error {
	prefix = path.Clean("/" + prefix)
	return q.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(rootBucket)
		var toDelete [][]byte
		c := root.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			name := string(k)
			if name == prefix || isDescendant(name, prefix) {
				toDelete = append(toDelete, append([]byte(nil), k...))
			}
		}
		for _, k := range toDelete {
			if err := root.DeleteBucket(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdatePath re-parents every queue entry (and its directory bucket) whose
// parent directory is oldPrefix or a descendant of it to the corresponding
// path under newPrefix, atomically. Used by rename of a directory (spec
// §4.1.8 step 5) where the directory's remote rename is eager and queued
// entries below it must move with it.
func (q *Queue) UpdatePath(oldPrefix, newPrefix string) error {
	oldPrefix = path.Clean("/" + oldPrefix)
	newPrefix = path.Clean("/" + newPrefix)
	return q.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(rootBucket)
		var names []string
		c := root.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			name := string(k)
			if name == oldPrefix || isDescendant(name, oldPrefix) {
				names = append(names, name)
			}
		}
		for _, name := range names {
			newName := newPrefix + name[len(oldPrefix):]
			if err := moveBucket(root, []byte(name), []byte(newName)); err != nil {
				return err
			}
		}
		return nil
	})
}

func moveBucket(root *bolt.Bucket, oldKey, newKey []byte) error {
	src := root.Bucket(oldKey)
	if src == nil {
		return nil
	}
	dst, err := root.CreateBucketIfNotExists(newKey)
	if err != nil {
		return err
	}
	err = src.ForEach(func(k, v []byte) error {
		return dst.Put(append([]byte(nil), k...), append([]byte(nil), v...))
	})
	if err != nil {
		return err
	}
	return root.DeleteBucket(oldKey)
}

func isDescendant(name, prefix string) bool {
	if prefix == "/" {
		return name != "/"
	}
	return len(name) > len(prefix) && name[:len(prefix)] == prefix && name[len(prefix)] == '/'
}

// AllParents returns every parent directory that has a queue bucket, used
// by the sync processor to discover work to drain. A bucket is kept after
// its entries are removed, so some returned parents may have no pending
// entries.
func (q *Queue) AllParents() ([]string, error) {
	var parents []string
	err := q.db.View(func(tx *bolt.Tx) error {
		root := tx.Bucket(rootBucket)
		c := root.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if v != nil {
				continue // not a bucket
			}
			parents = append(parents, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, rqerrors.Wrap(rqerrors.Queue, err, "list queue parents")
	}
	return parents, nil
}
