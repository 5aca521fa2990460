// Package work defines the unit of mining work handed to hashing workers and
// the operations that derive new units from it.
package work

import (
	"bytes"
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/gominer/internal/pool"
	"github.com/bardlex/gominer/internal/target"
	"github.com/bardlex/gominer/pkg/errors"
)

const (
	// HeaderSize is the length of a serialized block header
	HeaderSize = 80

	// RollCap bounds how many times one unit may have its ntime advanced
	RollCap = 7000
)

var (
	// ErrRollCap is returned when a unit has been rolled RollCap times
	ErrRollCap = errors.New(errors.ErrorTypeValidation, "work.roll", "roll cap reached")

	// ErrTemplateExhausted is returned when a template can produce no more work
	ErrTemplateExhausted = errors.New(errors.ErrorTypeStale, "work.roll", "template exhausted")
)

var nextID atomic.Uint64

// NextID returns a fresh unit id
func NextID() uint64 {
	return nextID.Add(1)
}

// Source identifies the protocol a unit came from
type Source int

const (
	SourceGetwork Source = iota
	SourceTemplate
	SourceStratum
	SourceLocal
)

func (s Source) String() string {
	switch s {
	case SourceGetwork:
		return "getwork"
	case SourceTemplate:
		return "gbt"
	case SourceStratum:
		return "stratum"
	case SourceLocal:
		return "local"
	default:
		return "unknown"
	}
}

// Extension carries protocol specific data. It is nil for plain getwork,
// *TemplateExt for getblocktemplate and *StratumExt for stratum.
type Extension interface {
	extension()
}

// TemplateExt ties a unit to the block template it was generated from
type TemplateExt struct {
	Tmpl   *Template
	DataID uint32
}

func (*TemplateExt) extension() {}

// StratumExt holds what mining.submit needs to identify a share
type StratumExt struct {
	JobID  string
	Nonce2 string
	NTime  string
}

func (*StratumExt) extension() {}

// Unit is one piece of work
type Unit struct {
	ID         uint64
	Data       [HeaderSize]byte
	Midstate   [32]byte
	Target     target.Target
	Hash       target.Target
	Difficulty float64
	Algo       target.Algorithm

	Ext    Extension
	Pool   *pool.Pool
	Source Source

	IsClone   bool
	Stale     bool
	Mandatory bool
	Block     bool
	Longpoll  bool
	Resubmit  bool

	Rolls    int
	RollTime time.Duration

	// RestartID is the pool's restart epoch when the unit was staged
	RestartID uint64
	ThrID     int
	Height    int64

	StagedAt       time.Time
	FetchStarted   time.Time
	FetchCompleted time.Time
	ClonedAt       time.Time
	FoundAt        time.Time
}

// New returns an empty unit bound to p
func New(p *pool.Pool, src Source) *Unit {
	return &Unit{
		ID:     NextID(),
		Pool:   p,
		Source: src,
		Height: -1,
		ThrID:  -1,
	}
}

// Version returns the header version
func (u *Unit) Version() int32 {
	return int32(binary.LittleEndian.Uint32(u.Data[0:4]))
}

// BlockID returns the first word of the previous block hash, used as a cheap
// block identity.
func (u *Unit) BlockID() uint32 {
	return binary.LittleEndian.Uint32(u.Data[4:8])
}

// PrevHash returns the previous block hash
func (u *Unit) PrevHash() chainhash.Hash {
	var h chainhash.Hash
	copy(h[:], u.Data[4:36])
	return h
}

// NTime returns the header timestamp
func (u *Unit) NTime() uint32 {
	return binary.LittleEndian.Uint32(u.Data[68:72])
}

// SetNTime overwrites the header timestamp
func (u *Unit) SetNTime(t uint32) {
	binary.LittleEndian.PutUint32(u.Data[68:72], t)
}

// Bits returns the compact network target
func (u *Unit) Bits() uint32 {
	return binary.LittleEndian.Uint32(u.Data[72:76])
}

// Nonce returns the header nonce
func (u *Unit) Nonce() uint32 {
	return binary.LittleEndian.Uint32(u.Data[76:80])
}

// SetNonce overwrites the header nonce
func (u *Unit) SetNonce(n uint32) {
	binary.LittleEndian.PutUint32(u.Data[76:80], n)
}

// Header decodes the serialized header
func (u *Unit) Header() (*wire.BlockHeader, error) {
	var h wire.BlockHeader
	if err := h.Deserialize(bytes.NewReader(u.Data[:])); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "work.header", "failed to decode header")
	}
	return &h, nil
}

// SetTarget stores t and the difficulty it represents
func (u *Unit) SetTarget(t target.Target, algo target.Algorithm) {
	u.Target = t
	u.Algo = algo
	u.Difficulty = target.Diff(t, algo)
}

// ComputeMidstate refreshes the midstate from the first header block
func (u *Unit) ComputeMidstate() error {
	mid, err := Midstate(u.Data[:])
	if err != nil {
		return err
	}
	u.Midstate = mid
	return nil
}

// Template returns the template handle for template backed units
func (u *Unit) Template() (*Template, bool) {
	ext, ok := u.Ext.(*TemplateExt)
	if !ok || ext.Tmpl == nil {
		return nil, false
	}
	return ext.Tmpl, true
}

// Stratum returns the stratum identity for stratum units
func (u *Unit) Stratum() (*StratumExt, bool) {
	ext, ok := u.Ext.(*StratumExt)
	return ext, ok
}

// Rollable reports whether the unit counts towards the staged rollable total
func (u *Unit) Rollable() bool {
	return !u.IsClone && u.RollTime > 0
}

// RollPossible reports whether Roll would succeed, ignoring staleness
func (u *Unit) RollPossible(now time.Time) bool {
	if u.IsClone {
		return false
	}
	switch ext := u.Ext.(type) {
	case *StratumExt:
		return false
	case *TemplateExt:
		return ext.Tmpl != nil && ext.Tmpl.WorkLeft(now) > 0
	}
	return u.RollTime > 0 && u.Rolls < RollCap
}

// Roll advances the unit in place to cover a fresh search space. Template
// units get a new coinbase, others have their ntime advanced by one second.
func (u *Unit) Roll(now time.Time) error {
	switch ext := u.Ext.(type) {
	case *StratumExt:
		return errors.New(errors.ErrorTypeValidation, "work.roll", "stratum work cannot roll")
	case *TemplateExt:
		if ext.Tmpl == nil || ext.Tmpl.WorkLeft(now) <= 0 {
			return ErrTemplateExhausted
		}
		data, dataID, err := ext.Tmpl.Source().NextData(now)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeInternal, "work.roll", "failed to generate template work")
		}
		u.Data = data
		ext.DataID = dataID
		if err := u.ComputeMidstate(); err != nil {
			return err
		}
	default:
		if u.Rolls >= RollCap {
			return ErrRollCap
		}
		u.SetNTime(u.NTime() + 1)
	}

	u.Rolls++
	u.ID = NextID()
	return nil
}

// Copy returns a deep copy that shares only the template, which gains a reference
func (u *Unit) Copy() *Unit {
	c := *u
	c.ID = NextID()
	switch ext := u.Ext.(type) {
	case *TemplateExt:
		dup := &TemplateExt{DataID: ext.DataID}
		if ext.Tmpl != nil {
			dup.Tmpl = ext.Tmpl.Retain()
		}
		c.Ext = dup
	case *StratumExt:
		dup := *ext
		c.Ext = &dup
	}
	return &c
}

// Clone returns a copy marked as a clone. The clone is backdated one second
// so the master, which can roll further, is preferred.
func (u *Unit) Clone(now time.Time) *Unit {
	c := u.Copy()
	c.IsClone = true
	c.Longpoll = false
	c.Mandatory = false
	c.ClonedAt = now
	c.StagedAt = u.StagedAt.Add(-time.Second)
	return c
}

// Release drops the unit's template reference. It is safe to call twice.
func (u *Unit) Release() {
	if ext, ok := u.Ext.(*TemplateExt); ok && ext.Tmpl != nil {
		ext.Tmpl.Release()
		ext.Tmpl = nil
	}
}

// Check hashes the header with h, stores the hash and reports whether it
// meets the unit target.
func (u *Unit) Check(h Hasher) (bool, error) {
	hash, err := h.Hash(u.Data[:])
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeInternal, "work.check", "failed to hash header")
	}
	u.Hash = hash
	return target.HashMeetsTarget(hash, u.Target), nil
}

// ShareDiff returns the difficulty the stored hash achieved
func (u *Unit) ShareDiff() float64 {
	return target.Diff(u.Hash, u.Algo)
}

// HashString returns the stored hash in display order
func (u *Unit) HashString() string {
	return chainhash.Hash(u.Hash).String()
}
