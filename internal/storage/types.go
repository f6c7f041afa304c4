// Package storage provides persistence for solutions, stats samples and
// dataset records.
package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a keyed record does not exist
var ErrNotFound = errors.New("record not found")

// Solution represents a verified nonce reported by a device
type Solution struct {
	JobID     string         `json:"job_id"`
	Nonce     string         `json:"nonce"`
	Epoch     uint32         `json:"epoch"`
	Target    uint64         `json:"target"`
	DeviceID  int            `json:"device_id"`
	Device    string         `json:"device"`
	Timestamp int64          `json:"timestamp"`
	Status    SolutionStatus `json:"status"`
}

// ID is the journal key of a solution
func (s *Solution) ID() string {
	return SolutionID(s.JobID, s.Nonce)
}

// SolutionID builds the journal key for a job and hex nonce
func SolutionID(jobID, nonce string) string {
	return jobID + ":" + nonce
}

// SolutionStatus represents what the job source did with a solution
type SolutionStatus string

const (
	SolutionPending  SolutionStatus = "pending"
	SolutionAccepted SolutionStatus = "accepted"
	SolutionRejected SolutionStatus = "rejected"
)

// StatsSample is a periodic snapshot of one device
type StatsSample struct {
	Timestamp int64   `json:"ts"`
	DeviceID  int     `json:"device_id"`
	Epoch     uint32  `json:"epoch"`
	Hashrate  float64 `json:"hashrate"`
	Hashes    uint64  `json:"hashes"`
	Solutions uint64  `json:"solutions"`
	Invalid   uint64  `json:"invalid"`
	Accepted  uint64  `json:"accepted"`
	Rejected  uint64  `json:"rejected"`
}

// DatasetRecord describes a completed dataset generation
type DatasetRecord struct {
	Epoch       uint32  `json:"epoch"`
	DeviceID    int     `json:"device_id"`
	Size        uint64  `json:"size"`
	CacheItems  uint64  `json:"cache_items"`
	Fingerprint string  `json:"fingerprint"`
	Seconds     float64 `json:"seconds"`
	Timestamp   int64   `json:"timestamp"`
}

// Store is implemented by the redis and bolt backends
type Store interface {
	WriteSolution(s *Solution) error
	SetSolutionStatus(id string, status SolutionStatus) error
	RecentSolutions(limit int64) ([]*Solution, error)
	WriteSample(s *StatsSample) error
	Samples(since time.Time) ([]*StatsSample, error)
	PurgeSamples(before time.Time) error
	WriteDataset(d *DatasetRecord) error
	Dataset(epoch uint32) (*DatasetRecord, error)
	Close() error
}

// AverageHashrate averages the hashrate of samples, summing devices that
// share a timestamp
func AverageHashrate(samples []*StatsSample) float64 {
	if len(samples) == 0 {
		return 0
	}
	byTime := make(map[int64]float64)
	for _, s := range samples {
		byTime[s.Timestamp] += s.Hashrate
	}
	var total float64
	for _, h := range byTime {
		total += h
	}
	return total / float64(len(byTime))
}
