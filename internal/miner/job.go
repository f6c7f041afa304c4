package miner

import (
	"encoding/binary"
	"fmt"

	"github.com/tos-network/apow-miner/internal/gpu"
	"github.com/tos-network/apow-miner/internal/target"
)

// MaxJobIDLength bounds the opaque job identifier
const MaxJobIDLength = 64

// Job is one unit of work from the job source
type Job struct {
	ID         string   `json:"id"`
	PrevHash   [32]byte `json:"-"`
	MerkleRoot [32]byte `json:"-"`
	Time       uint32   `json:"time"`
	Bits       uint32   `json:"bits"`
	// Target overrides the value derived from Bits when non-zero
	Target uint64 `json:"target"`
	// StartNonce, when set, moves the nonce cursor as the job is picked up,
	// e.g. to a nonce range the job source assigned to this rig
	StartNonce *uint64 `json:"startNonce,omitempty"`
}

// Validate checks the fields the header does not constrain
func (j *Job) Validate() error {
	if j == nil {
		return fmt.Errorf("%w: nil job", ErrInvalidJob)
	}
	if len(j.ID) > MaxJobIDLength {
		return fmt.Errorf("%w: id is %d bytes, max %d", ErrInvalidJob, len(j.ID), MaxJobIDLength)
	}
	return nil
}

// EffectiveTarget is Target, or the 64-bit target of Bits when Target is 0
func (j *Job) EffectiveTarget() uint64 {
	if j.Target != 0 {
		return j.Target
	}
	return target.Target64(j.Bits)
}

// Header assembles the 20-word search header. The nonce words are left zero.
func (j *Job) Header() gpu.Header {
	var h gpu.Header
	for i := 0; i < 8; i++ {
		h[i] = binary.LittleEndian.Uint32(j.PrevHash[i*4:])
		h[8+i] = binary.LittleEndian.Uint32(j.MerkleRoot[i*4:])
	}
	h[16] = j.Time
	h[17] = j.Bits
	return h
}
