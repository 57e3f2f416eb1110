package migration

import (
	"encoding/binary"
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"

	nberrors "github.com/cuemby/nimbus/pkg/errors"
)

var (
	bucketFailed  = []byte("failed_migrations")
	bucketHistory = []byte("migration_history")
)

const historyCap = 50

// Ledger persists failed migrations and scheduler run history in bbolt.
// Failed entries are retried by the scheduler until their attempt
// budget is spent.
type Ledger struct {
	db         *bolt.DB
	maxRetries int
}

// FailedMigration is one instance whose migration could not complete
type FailedMigration struct {
	InstanceID    string    `json:"instanceId"`
	Reason        string    `json:"reason"`
	Error         string    `json:"error"`
	Attempts      int       `json:"attempts"`
	FirstFailedAt time.Time `json:"firstFailedAt"`
	LastFailedAt  time.Time `json:"lastFailedAt"`
}

// OpenLedger opens (or creates) the ledger database
func OpenLedger(path string, maxRetries int) (*Ledger, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, nberrors.Wrap(nberrors.CodeInternal, "open migration ledger", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketFailed); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketHistory)
		return err
	})
	if err != nil {
		db.Close()
		return nil, nberrors.Wrap(nberrors.CodeInternal, "init ledger buckets", err)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Ledger{db: db, maxRetries: maxRetries}, nil
}

// Close closes the underlying database
func (l *Ledger) Close() error {
	return l.db.Close()
}

// RecordFailure upserts a failed migration, bumping its attempt count
func (l *Ledger) RecordFailure(instanceID, reason, errMsg string) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFailed)
		now := time.Now()

		entry := FailedMigration{
			InstanceID:    instanceID,
			Reason:        reason,
			FirstFailedAt: now,
		}
		if raw := b.Get([]byte(instanceID)); raw != nil {
			_ = json.Unmarshal(raw, &entry)
		}
		entry.Error = errMsg
		entry.Attempts++
		entry.LastFailedAt = now

		raw, err := json.Marshal(&entry)
		if err != nil {
			return err
		}
		return b.Put([]byte(instanceID), raw)
	})
}

// Resolve removes a failed entry once its migration went through
func (l *Ledger) Resolve(instanceID string) error {
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFailed).Delete([]byte(instanceID))
	})
}

// Pending returns the failed migrations still within the retry budget
func (l *Ledger) Pending() ([]*FailedMigration, error) {
	var out []*FailedMigration
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFailed).ForEach(func(_, raw []byte) error {
			var entry FailedMigration
			if err := json.Unmarshal(raw, &entry); err != nil {
				return err
			}
			if entry.Attempts < l.maxRetries {
				out = append(out, &entry)
			}
			return nil
		})
	})
	return out, err
}

// AppendHistory records one scheduler run, pruning beyond the ring cap
func (l *Ledger) AppendHistory(run *Run) error {
	raw, err := json.Marshal(run)
	if err != nil {
		return err
	}

	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHistory)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		if err := b.Put(key, raw); err != nil {
			return err
		}

		// Drop the oldest entries beyond the cap. Deleting through the
		// cursor keeps the iteration valid.
		c := b.Cursor()
		excess := b.Stats().KeyN + 1 - historyCap
		for k, _ := c.First(); k != nil && excess > 0; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
			excess--
		}
		return nil
	})
}

// History returns up to limit runs, newest first
func (l *Ledger) History(limit int) ([]*Run, error) {
	if limit <= 0 || limit > historyCap {
		limit = historyCap
	}

	var out []*Run
	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketHistory).Cursor()
		for k, raw := c.Last(); k != nil && len(out) < limit; k, raw = c.Prev() {
			var run Run
			if err := json.Unmarshal(raw, &run); err != nil {
				return err
			}
			out = append(out, &run)
		}
		return nil
	})
	return out, err
}
