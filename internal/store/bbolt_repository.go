package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"atlas/internal/types"
)

var (
	bucketPendingMessages = []byte("pending_messages")
	bucketClientMeta      = []byte("client_meta")

	keyPendingChatMeta    = []byte("pending_chat")
	keyWorkspaceSelection = []byte("workspace_selection")
)

// claimLease bounds how long a dispatching claim is honored before the
// record is presumed orphaned by a dead process.
const claimLease = 30 * time.Second

type bboltRepository struct {
	db      *bolt.DB
	pending PendingStore
	meta    MetaStore
}

func NewBboltRepository(path string) (Repository, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("repository db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := initBboltSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &bboltRepository{
		db:      db,
		pending: &bboltPendingStore{db: db},
		meta:    &bboltMetaStore{db: db},
	}, nil
}

func initBboltSchema(db *bolt.DB) error {
	return db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketPendingMessages); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketClientMeta); err != nil {
			return err
		}
		return nil
	})
}

func (r *bboltRepository) Pending() PendingStore { return r.pending }
func (r *bboltRepository) Meta() MetaStore       { return r.meta }

func (r *bboltRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

type bboltPendingStore struct {
	db *bolt.DB
}

func (s *bboltPendingStore) List(ctx context.Context) ([]*types.PendingMessageRecord, error) {
	out := make([]*types.PendingMessageRecord, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPendingMessages)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var record types.PendingMessageRecord
			if err := json.Unmarshal(v, &record); err != nil {
				// Undecodable entries are corrupt; skip here, pruned
				// on the next Claim.
				return nil
			}
			record.ChatID = string(k)
			out = append(out, &record)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *bboltPendingStore) Get(ctx context.Context, chatID string) (*types.PendingMessageRecord, bool, error) {
	var (
		out *types.PendingMessageRecord
		ok  bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPendingMessages)
		if b == nil {
			return nil
		}
		raw := b.Get([]byte(chatID))
		if len(raw) == 0 {
			return nil
		}
		var record types.PendingMessageRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			return nil
		}
		record.ChatID = chatID
		out = &record
		ok = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, ok, nil
}

func (s *bboltPendingStore) Put(ctx context.Context, record *types.PendingMessageRecord) error {
	if record == nil || strings.TrimSpace(record.ChatID) == "" {
		return errors.New("pending record requires a chat id")
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPendingMessages)
		if b == nil {
			return errors.New("pending bucket missing")
		}
		return b.Put([]byte(record.ChatID), raw)
	})
}

func (s *bboltPendingStore) Claim(ctx context.Context, chatID string, source types.DispatchSource, minInterval time.Duration) (*types.PendingMessageRecord, error) {
	var claimed *types.PendingMessageRecord
	now := time.Now().UTC()
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPendingMessages)
		if b == nil {
			return ErrPendingNotFound
		}
		key := []byte(chatID)
		raw := b.Get(key)
		if len(raw) == 0 {
			return ErrPendingNotFound
		}
		var record types.PendingMessageRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			_ = b.Delete(key)
			return ErrPendingCorrupt
		}
		record.ChatID = chatID
		if record.Corrupt() {
			_ = b.Delete(key)
			return ErrPendingCorrupt
		}
		// A dispatching record is a lease, not a permanent flag: past the
		// lease window the claiming process is presumed dead and the record
		// becomes claimable again, so a crash between claim and release
		// cannot strand the message.
		if record.Status == types.PendingStatusDispatching && now.Sub(record.LastAttemptAt) < claimLease {
			return ErrPendingClaimed
		}
		lastAttempt := record.ActiveAttemptAt
		if source == types.DispatchSourceBootstrap {
			lastAttempt = record.BootstrapAttemptAt
		}
		if !lastAttempt.IsZero() && now.Sub(lastAttempt) < minInterval {
			return ErrPendingTooSoon
		}
		record.Status = types.PendingStatusDispatching
		record.DispatchSource = source
		record.LastAttemptAt = now
		if source == types.DispatchSourceBootstrap {
			record.BootstrapAttemptAt = now
		} else {
			record.ActiveAttemptAt = now
		}
		next, err := json.Marshal(&record)
		if err != nil {
			return err
		}
		if err := b.Put(key, next); err != nil {
			return err
		}
		claimed = &record
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *bboltPendingStore) Release(ctx context.Context, chatID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPendingMessages)
		if b == nil {
			return ErrPendingNotFound
		}
		key := []byte(chatID)
		raw := b.Get(key)
		if len(raw) == 0 {
			return ErrPendingNotFound
		}
		var record types.PendingMessageRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			_ = b.Delete(key)
			return ErrPendingCorrupt
		}
		if record.Status != types.PendingStatusDispatching {
			return nil
		}
		record.ChatID = chatID
		record.Status = types.PendingStatusPending
		next, err := json.Marshal(&record)
		if err != nil {
			return err
		}
		return b.Put(key, next)
	})
}

func (s *bboltPendingStore) Delete(ctx context.Context, chatID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPendingMessages)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(chatID))
	})
}

type bboltMetaStore struct {
	db *bolt.DB
}

func (s *bboltMetaStore) PendingChatMeta(ctx context.Context) (*types.PendingChatMeta, bool, error) {
	var meta types.PendingChatMeta
	ok, err := s.getMeta(keyPendingChatMeta, &meta)
	if err != nil || !ok {
		return nil, false, err
	}
	return &meta, true, nil
}

func (s *bboltMetaStore) SetPendingChatMeta(ctx context.Context, meta types.PendingChatMeta) error {
	return s.putMeta(keyPendingChatMeta, &meta)
}

func (s *bboltMetaStore) ClearPendingChatMeta(ctx context.Context) error {
	return s.deleteMeta(keyPendingChatMeta)
}

func (s *bboltMetaStore) WorkspaceSelection(ctx context.Context) (*types.WorkspaceSelection, bool, error) {
	var selection types.WorkspaceSelection
	ok, err := s.getMeta(keyWorkspaceSelection, &selection)
	if err != nil || !ok {
		return nil, false, err
	}
	return &selection, true, nil
}

func (s *bboltMetaStore) SetWorkspaceSelection(ctx context.Context, selection types.WorkspaceSelection) error {
	return s.putMeta(keyWorkspaceSelection, &selection)
}

func (s *bboltMetaStore) ClearWorkspaceSelection(ctx context.Context) error {
	return s.deleteMeta(keyWorkspaceSelection)
}

func (s *bboltMetaStore) getMeta(key []byte, out any) (bool, error) {
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClientMeta)
		if b == nil {
			return nil
		}
		raw := b.Get(key)
		if len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}

func (s *bboltMetaStore) putMeta(key []byte, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClientMeta)
		if b == nil {
			return errors.New("meta bucket missing")
		}
		return b.Put(key, raw)
	})
}

func (s *bboltMetaStore) deleteMeta(key []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketClientMeta)
		if b == nil {
			return nil
		}
		return b.Delete(key)
	})
}
