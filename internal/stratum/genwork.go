package stratum

import (
	"encoding/binary"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/bardlex/gominer/internal/pool"
	"github.com/bardlex/gominer/internal/target"
	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/errors"
)

// ErrNoJob is returned by GenWork before the first mining.notify
var ErrNoJob = errors.New(errors.ErrorTypeStale, "stratum.genwork", "no stratum job")

// Offsets into the coinb1 hex string where BIP34 coinbases carry the block
// height: one size byte followed by the little-endian height.
const (
	heightSizeOffset = 84
	heightOffset     = 86
)

// ParseHeight reads the block height from a job's coinb1. It returns -1
// unless the height is pushed as exactly three bytes.
func ParseHeight(coinb1 string) int64 {
	if len(coinb1) < heightOffset+6 {
		return -1
	}
	if coinb1[heightSizeOffset:heightOffset] != "03" {
		return -1
	}
	b, err := hex.DecodeString(coinb1[heightOffset : heightOffset+6])
	if err != nil {
		return -1
	}
	return int64(b[0]) | int64(b[1])<<8 | int64(b[2])<<16
}

func nonce2Bytes(n uint64, size int) []byte {
	var le [8]byte
	binary.LittleEndian.PutUint64(le[:], n)
	b := make([]byte, size)
	copy(b, le[:])
	return b
}

func hexWord(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 16, 32)
	return uint32(v), err
}

// GenWork builds a fresh unit from the pool's current job, advancing the
// extranonce2 counter. Every call yields a distinct coinbase.
func GenWork(p *pool.Pool, algo target.Algorithm, now time.Time) (*work.Unit, error) {
	n2, st := p.NextNonce2()
	job := st.Job
	if job.JobID == "" {
		return nil, ErrNoJob
	}
	if st.N2Size < 1 {
		return nil, errors.New(errors.ErrorTypeProtocol, "stratum.genwork", "session has no extranonce2 size")
	}

	nonce1, err := hex.DecodeString(st.Nonce1)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "stratum.genwork", "bad extranonce1")
	}
	coinb1, err := hex.DecodeString(job.Coinb1)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "stratum.genwork", "bad coinb1")
	}
	coinb2, err := hex.DecodeString(job.Coinb2)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "stratum.genwork", "bad coinb2")
	}
	n2b := nonce2Bytes(n2, st.N2Size)

	coinbase := make([]byte, 0, len(coinb1)+len(nonce1)+len(n2b)+len(coinb2))
	coinbase = append(coinbase, coinb1...)
	coinbase = append(coinbase, nonce1...)
	coinbase = append(coinbase, n2b...)
	coinbase = append(coinbase, coinb2...)

	root := work.DoubleSHA256(coinbase)
	var pair [64]byte
	for _, h := range job.Merkle {
		b, err := hex.DecodeString(h)
		if err != nil || len(b) != 32 {
			return nil, errors.New(errors.ErrorTypeProtocol, "stratum.genwork", "bad merkle branch")
		}
		copy(pair[:32], root[:])
		copy(pair[32:], b)
		root = work.DoubleSHA256(pair[:])
	}

	version, err := hexWord(job.Version)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "stratum.genwork", "bad version")
	}
	nbits, err := hexWord(job.NBits)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "stratum.genwork", "bad nbits")
	}
	ntime, err := hexWord(job.NTime)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "stratum.genwork", "bad ntime")
	}
	prev, err := hex.DecodeString(job.PrevHash)
	if err != nil || len(prev) != 32 {
		return nil, errors.New(errors.ErrorTypeProtocol, "stratum.genwork", "bad prevhash")
	}

	u := work.New(p, work.SourceStratum)
	binary.LittleEndian.PutUint32(u.Data[0:], version)
	// prevhash arrives with every 32-bit word byte swapped
	for i := 0; i < 32; i += 4 {
		binary.LittleEndian.PutUint32(u.Data[4+i:], binary.BigEndian.Uint32(prev[i:]))
	}
	copy(u.Data[36:68], root[:])
	binary.LittleEndian.PutUint32(u.Data[68:], ntime)
	binary.LittleEndian.PutUint32(u.Data[72:], nbits)

	diff := st.Diff
	if diff <= 0 {
		diff = 1
	}
	u.SetTarget(target.SetTarget(diff, algo), algo)
	if err := u.ComputeMidstate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "stratum.genwork", "midstate")
	}
	u.Ext = &work.StratumExt{
		JobID:  job.JobID,
		Nonce2: hex.EncodeToString(n2b),
		NTime:  job.NTime,
	}
	u.Height = ParseHeight(job.Coinb1)
	u.FetchStarted = now
	u.FetchCompleted = now
	p.TouchWork(now)
	return u, nil
}
