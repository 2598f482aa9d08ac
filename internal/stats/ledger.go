package stats

import (
	"encoding/json"
	"fmt"
	"log"

	bolt "go.etcd.io/bbolt"
)

var runsBucket = []byte("runs")

// Ledger persists RunRecords in a bbolt database keyed by run id. It is
// accounting only: nothing in the pipeline reads it back during a run.
type Ledger struct {
	db *bolt.DB
}

// OpenLedger opens (or creates) the ledger database at dbPath.
func OpenLedger(dbPath string) (*Ledger, error) {
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open stats database: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(runsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create runs bucket: %w", err)
	}

	log.Printf("[STATS] ledger opened at %s", dbPath)
	return &Ledger{db: db}, nil
}

// Append stores one run record.
func (l *Ledger) Append(rec *RunRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal run record: %w", err)
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(runsBucket).Put([]byte(rec.ID), data)
	})
}

// Runs returns every stored run record.
func (l *Ledger) Runs() ([]*RunRecord, error) {
	var out []*RunRecord
	err := l.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(runsBucket).ForEach(func(k, v []byte) error {
			var rec RunRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal run %s: %w", k, err)
			}
			out = append(out, &rec)
			return nil
		})
	})
	return out, err
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}
