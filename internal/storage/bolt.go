package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/tos-network/apow-miner/internal/util"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketSolutions = []byte("solutions")
	bucketSamples   = []byte("samples")
	bucketDatasets  = []byte("datasets")
)

// BoltStore keeps miner data in a local bbolt file
type BoltStore struct {
	db           *bolt.DB
	maxSolutions int64
}

// NewBoltStore opens or creates the database at path
func NewBoltStore(path string, timeout time.Duration, maxSolutions int64) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("open bolt database %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketSolutions, bucketSamples, bucketDatasets} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	util.Info("Opened bolt database at ", path)
	return &BoltStore{db: db, maxSolutions: maxSolutions}, nil
}

// Close closes the database file
func (b *BoltStore) Close() error {
	return b.db.Close()
}

func loadSolutions(bkt *bolt.Bucket) ([]*Solution, error) {
	var out []*Solution
	err := bkt.ForEach(func(_, v []byte) error {
		var s Solution
		if err := json.Unmarshal(v, &s); err != nil {
			return err
		}
		out = append(out, &s)
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	return out, err
}

// WriteSolution journals a solution, trimming the oldest past the limit
func (b *BoltStore) WriteSolution(s *Solution) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketSolutions)
		if err := bkt.Put([]byte(s.ID()), data); err != nil {
			return err
		}
		if b.maxSolutions <= 0 {
			return nil
		}

		all, err := loadSolutions(bkt)
		if err != nil || int64(len(all)) <= b.maxSolutions {
			return err
		}
		for _, old := range all[b.maxSolutions:] {
			if err := bkt.Delete([]byte(old.ID())); err != nil {
				return err
			}
		}
		return nil
	})
}

// SetSolutionStatus records the job source's verdict on a solution
func (b *BoltStore) SetSolutionStatus(id string, status SolutionStatus) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketSolutions)
		data := bkt.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("solution %s: %w", id, ErrNotFound)
		}

		var s Solution
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s.Status = status

		data, err := json.Marshal(&s)
		if err != nil {
			return err
		}
		return bkt.Put([]byte(id), data)
	})
}

// RecentSolutions returns the newest solutions first
func (b *BoltStore) RecentSolutions(limit int64) ([]*Solution, error) {
	var out []*Solution
	err := b.db.View(func(tx *bolt.Tx) error {
		all, err := loadSolutions(tx.Bucket(bucketSolutions))
		if err != nil {
			return err
		}
		if limit > 0 && int64(len(all)) > limit {
			all = all[:limit]
		}
		out = all
		return nil
	})
	return out, err
}

// sampleKey orders samples by time, then device
func sampleKey(ts int64, device int) []byte {
	key := make([]byte, 12)
	binary.BigEndian.PutUint64(key, uint64(ts))
	binary.BigEndian.PutUint32(key[8:], uint32(device))
	return key
}

// WriteSample stores a stats sample
func (b *BoltStore) WriteSample(s *StatsSample) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSamples).Put(sampleKey(s.Timestamp, s.DeviceID), data)
	})
}

// Samples returns samples at or after since, oldest first
func (b *BoltStore) Samples(since time.Time) ([]*StatsSample, error) {
	var out []*StatsSample
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSamples).Cursor()
		for k, v := c.Seek(sampleKey(since.Unix(), 0)); k != nil; k, v = c.Next() {
			var s StatsSample
			if err := json.Unmarshal(v, &s); err != nil {
				return err
			}
			out = append(out, &s)
		}
		return nil
	})
	return out, err
}

// PurgeSamples removes samples older than before
func (b *BoltStore) PurgeSamples(before time.Time) error {
	limit := sampleKey(before.Unix(), 0)
	return b.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSamples).Cursor()
		for k, _ := c.First(); k != nil && bytes.Compare(k, limit) < 0; k, _ = c.First() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

func epochKey(epoch uint32) []byte {
	key := make([]byte, 4)
	binary.BigEndian.PutUint32(key, epoch)
	return key
}

// WriteDataset stores the record for an epoch, replacing any earlier one
func (b *BoltStore) WriteDataset(d *DatasetRecord) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDatasets).Put(epochKey(d.Epoch), data)
	})
}

// Dataset returns the record for an epoch
func (b *BoltStore) Dataset(epoch uint32) (*DatasetRecord, error) {
	var d *DatasetRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDatasets).Get(epochKey(epoch))
		if data == nil {
			return fmt.Errorf("dataset for epoch %d: %w", epoch, ErrNotFound)
		}
		d = new(DatasetRecord)
		return json.Unmarshal(data, d)
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}
