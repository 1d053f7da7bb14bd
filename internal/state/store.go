package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrNotFound is returned when a record has never been written or was removed.
var ErrNotFound = errors.New("state: record not found")

const (
	transferKey = "transfer:current"
	downloadKey = "download:current"
	hashPrefix  = "hash:"
	runPrefix   = "run:"
)

// TransferDescriptor identifies the local backup file being sent offsite and
// the remote directory it goes to.
type TransferDescriptor struct {
	FilePath       string    `json:"file_path"`
	Username       string    `json:"username,omitempty"`
	SizeBytes      int64     `json:"size_bytes"`
	RemoteDir      string    `json:"remote_dir"`
	RemoteDirID    string    `json:"remote_dir_id,omitempty"`
	RemoteFileName string    `json:"remote_file_name,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	DoneAt         time.Time `json:"done_at,omitempty"`
}

// DownloadDescriptor names the remote directory a restore pulls from.
type DownloadDescriptor struct {
	RemoteDir   string    `json:"remote_dir"`
	RemoteDirID string    `json:"remote_dir_id,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

// ItemStatus is one status table row as written to the run journal.
type ItemStatus struct {
	Status  string `json:"status"`
	Retries int    `json:"retries"`
}

// RunRecord is the journal entry for a single upload or download run.
type RunRecord struct {
	ID         string                `json:"id"`
	Kind       string                `json:"kind"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt time.Time             `json:"finished_at,omitempty"`
	Verdict    string                `json:"verdict,omitempty"`
	Reason     string                `json:"reason,omitempty"`
	Items      map[string]ItemStatus `json:"items"`
}

// Store wraps BadgerDB for the records a transfer needs to resume or report.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) a BadgerDB at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions(dbPath).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens a throwaway store, used by tests and dry runs.
func OpenInMemory() (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory BadgerDB: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the BadgerDB.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) put(key string, v any) error {
	val, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(key), val))
	})
}

func (s *Store) get(key string, v any) error {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return err
}

func (s *Store) delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// PutTransfer stores the current transfer descriptor.
func (s *Store) PutTransfer(d TransferDescriptor) error {
	return s.put(transferKey, d)
}

// Transfer returns the current transfer descriptor.
func (s *Store) Transfer() (TransferDescriptor, error) {
	var d TransferDescriptor
	err := s.get(transferKey, &d)
	return d, err
}

// UpdateTransfer applies fn to the stored descriptor inside one transaction.
func (s *Store) UpdateTransfer(fn func(*TransferDescriptor)) error {
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(transferKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%s: %w", transferKey, ErrNotFound)
		}
		if err != nil {
			return err
		}
		var d TransferDescriptor
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &d) }); err != nil {
			return err
		}
		fn(&d)
		val, err := json.Marshal(d)
		if err != nil {
			return err
		}
		return txn.Set([]byte(transferKey), val)
	})
}

// DeleteTransfer removes the transfer descriptor after a run is cleaned up.
func (s *Store) DeleteTransfer() error {
	return s.delete(transferKey)
}

// PutDownload stores the current download descriptor.
func (s *Store) PutDownload(d DownloadDescriptor) error {
	return s.put(downloadKey, d)
}

// Download returns the current download descriptor.
func (s *Store) Download() (DownloadDescriptor, error) {
	var d DownloadDescriptor
	err := s.get(downloadKey, &d)
	return d, err
}

// PutHash records the sha256 of the source backup for a remote directory.
func (s *Store) PutHash(dir, digest string) error {
	return s.put(hashPrefix+dir, digest)
}

// Hash returns the stored sha256 for a remote directory.
func (s *Store) Hash(dir string) (string, error) {
	var digest string
	err := s.get(hashPrefix+dir, &digest)
	return digest, err
}

// SaveRun writes (or overwrites) a run journal entry. Only the latest run of
// each kind is kept: saving a new run drops the previous one of that kind.
func (s *Store) SaveRun(r RunRecord) error {
	if r.ID == "" {
		return errors.New("state: run record without id")
	}
	val, err := json.Marshal(r)
	if err != nil {
		return err
	}
	key := []byte(runPrefix + r.ID)
	return s.db.Update(func(txn *badger.Txn) error {
		stale, err := staleRuns(txn, r)
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return txn.SetEntry(badger.NewEntry(key, val))
	})
}

// staleRuns returns the keys of journal entries of r's kind other than r.
func staleRuns(txn *badger.Txn, r RunRecord) ([][]byte, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte(runPrefix)
	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		if string(item.Key()) == runPrefix+r.ID {
			continue
		}
		var prev RunRecord
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &prev) }); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", item.Key(), err)
		}
		if prev.Kind == r.Kind {
			keys = append(keys, item.KeyCopy(nil))
		}
	}
	return keys, nil
}

// Run returns one journal entry.
func (s *Store) Run(id string) (RunRecord, error) {
	var r RunRecord
	err := s.get(runPrefix+id, &r)
	return r, err
}

// Runs lists journal entries (at most one per kind), newest first.
func (s *Store) Runs() ([]RunRecord, error) {
	var runs []RunRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(runPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			if !strings.HasPrefix(string(item.Key()), runPrefix) {
				continue
			}
			var r RunRecord
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &r) }); err != nil {
				return fmt.Errorf("failed to decode %s: %w", item.Key(), err)
			}
			runs = append(runs, r)
		}
		return nil
	})
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	return runs, err
}
