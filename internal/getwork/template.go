package getwork

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/gominer/internal/work"
)

const (
	// DefaultExpiry applies when a template does not say how long it is valid
	DefaultExpiry = 120 * time.Second

	maxCoinbaseScript = 100
	extranonceSize    = 4
)

// CoinbaseConfig is used when a template leaves coinbase construction to the miner
type CoinbaseConfig struct {
	PayoutAddress string
	Params        *chaincfg.Params
	Tag           string
}

// TemplateSource turns one getblocktemplate result into headers. Each header
// carries a distinct extranonce appended to the coinbase script.
type TemplateSource struct {
	mu sync.Mutex

	version    int32
	prevHash   chainhash.Hash
	bits       uint32
	curTime    int64
	minTime    int64
	maxTime    int64
	fetchedAt  time.Time
	expiresAt  time.Time
	height     int64
	workID     string
	canAppend  bool
	coinbase   *wire.MsgTx
	baseScript []byte
	branch     []chainhash.Hash
	txs        []*wire.MsgTx
	extranonce uint32
}

// NewTemplateSource validates tmpl and prepares coinbase generation
func NewTemplateSource(tmpl *btcjson.GetBlockTemplateResult, cb CoinbaseConfig, now time.Time) (*TemplateSource, error) {
	if tmpl.Bits == "" || tmpl.PreviousHash == "" {
		return nil, fmt.Errorf("template missing bits or previousblockhash")
	}
	bits, err := strconv.ParseUint(tmpl.Bits, 16, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid bits %q: %w", tmpl.Bits, err)
	}
	prev, err := chainhash.NewHashFromStr(tmpl.PreviousHash)
	if err != nil {
		return nil, fmt.Errorf("invalid previous block hash: %w", err)
	}

	s := &TemplateSource{
		version:   tmpl.Version,
		prevHash:  *prev,
		bits:      uint32(bits),
		curTime:   tmpl.CurTime,
		minTime:   tmpl.MinTime,
		maxTime:   tmpl.MaxTime,
		fetchedAt: now,
		height:    tmpl.Height,
		workID:    tmpl.WorkID,
	}
	if s.curTime == 0 {
		s.curTime = now.Unix()
	}
	expiry := DefaultExpiry
	if tmpl.Expires > 0 {
		expiry = time.Duration(tmpl.Expires) * time.Second
	}
	s.expiresAt = now.Add(expiry)

	if err := s.buildCoinbase(tmpl, cb); err != nil {
		return nil, err
	}

	txids := make([]chainhash.Hash, 0, len(tmpl.Transactions)+1)
	txids = append(txids, chainhash.Hash{})
	for i, tx := range tmpl.Transactions {
		raw, err := hex.DecodeString(tx.Data)
		if err != nil {
			return nil, fmt.Errorf("invalid transaction %d data: %w", i, err)
		}
		decoded, err := btcutil.NewTxFromBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize transaction %d: %w", i, err)
		}
		s.txs = append(s.txs, decoded.MsgTx())
		txids = append(txids, *decoded.Hash())
	}
	s.branch = merkleBranch(txids)
	return s, nil
}

func (s *TemplateSource) buildCoinbase(tmpl *btcjson.GetBlockTemplateResult, cb CoinbaseConfig) error {
	if tmpl.CoinbaseTxn != nil && tmpl.CoinbaseTxn.Data != "" {
		raw, err := hex.DecodeString(tmpl.CoinbaseTxn.Data)
		if err != nil {
			return fmt.Errorf("invalid coinbasetxn: %w", err)
		}
		tx, err := btcutil.NewTxFromBytes(raw)
		if err != nil {
			return fmt.Errorf("failed to deserialize coinbasetxn: %w", err)
		}
		s.coinbase = tx.MsgTx()
		if len(s.coinbase.TxIn) != 1 {
			return fmt.Errorf("coinbasetxn has %d inputs", len(s.coinbase.TxIn))
		}
		s.baseScript = slices.Clone(s.coinbase.TxIn[0].SignatureScript)
		s.canAppend = slices.Contains(tmpl.Mutable, "coinbase/append") || len(tmpl.Mutable) == 0
		if len(s.baseScript)+extranonceSize > maxCoinbaseScript {
			s.canAppend = false
		}
		return nil
	}

	if tmpl.CoinbaseValue == nil {
		return fmt.Errorf("template has neither coinbasetxn nor coinbasevalue")
	}
	if cb.PayoutAddress == "" {
		return fmt.Errorf("template requires a payout address")
	}
	params := cb.Params
	if params == nil {
		params = &chaincfg.MainNetParams
	}
	addr, err := btcutil.DecodeAddress(cb.PayoutAddress, params)
	if err != nil {
		return fmt.Errorf("failed to decode payout address: %w", err)
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return fmt.Errorf("failed to create output script: %w", err)
	}

	builder := txscript.NewScriptBuilder().AddInt64(tmpl.Height)
	if tmpl.CoinbaseAux != nil && tmpl.CoinbaseAux.Flags != "" {
		if flags, err := hex.DecodeString(tmpl.CoinbaseAux.Flags); err == nil {
			builder.AddData(flags)
		}
	}
	script, err := builder.Script()
	if err != nil {
		return fmt.Errorf("failed to create height script: %w", err)
	}
	tag := cb.Tag
	if tag == "" {
		tag = "/gominer/"
	}
	script = append(script, tag...)
	if len(script)+extranonceSize > maxCoinbaseScript {
		script = script[:maxCoinbaseScript-extranonceSize]
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash{}, Index: wire.MaxPrevOutIndex},
		Sequence:         wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(&wire.TxOut{Value: *tmpl.CoinbaseValue, PkScript: pkScript})

	if tmpl.DefaultWitnessCommitment != "" {
		commitment, err := hex.DecodeString(tmpl.DefaultWitnessCommitment)
		if err != nil {
			return fmt.Errorf("invalid witness commitment: %w", err)
		}
		tx.AddTxOut(&wire.TxOut{Value: 0, PkScript: commitment})
		tx.TxIn[0].Witness = wire.TxWitness{make([]byte, 32)}
	}

	s.coinbase = tx
	s.baseScript = script
	s.canAppend = true
	return nil
}

// coinbaseFor returns the coinbase carrying extranonce n
func (s *TemplateSource) coinbaseFor(n uint32) *wire.MsgTx {
	tx := s.coinbase.Copy()
	script := slices.Clone(s.baseScript)
	if s.canAppend {
		script = binary.LittleEndian.AppendUint32(script, n)
	}
	tx.TxIn[0].SignatureScript = script
	return tx
}

func (s *TemplateSource) header(cb *wire.MsgTx, ntime int64) wire.BlockHeader {
	return wire.BlockHeader{
		Version:    s.version,
		PrevBlock:  s.prevHash,
		MerkleRoot: merkleRoot(cb.TxHash(), s.branch),
		Timestamp:  time.Unix(ntime, 0),
		Bits:       s.bits,
	}
}

func (s *TemplateSource) ntime(now time.Time) int64 {
	t := s.curTime + int64(now.Sub(s.fetchedAt)/time.Second)
	if s.minTime > 0 && t < s.minTime {
		t = s.minTime
	}
	if s.maxTime > 0 && t > s.maxTime {
		t = s.maxTime
	}
	return t
}

// NextData implements work.TemplateSource
func (s *TemplateSource) NextData(now time.Time) ([work.HeaderSize]byte, uint32, error) {
	var data [work.HeaderSize]byte

	s.mu.Lock()
	if !s.canAppend && s.extranonce > 0 {
		s.mu.Unlock()
		return data, 0, fmt.Errorf("template coinbase cannot be extended")
	}
	s.extranonce++
	n := s.extranonce
	s.mu.Unlock()

	h := s.header(s.coinbaseFor(n), s.ntime(now))
	var buf bytes.Buffer
	buf.Grow(work.HeaderSize)
	if err := h.Serialize(&buf); err != nil {
		return data, 0, err
	}
	copy(data[:], buf.Bytes())
	return data, n, nil
}

// WorkLeft implements work.TemplateSource
func (s *TemplateSource) WorkLeft(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !now.Before(s.expiresAt) {
		return 0
	}
	if !s.canAppend {
		if s.extranonce == 0 {
			return 1
		}
		return 0
	}
	left := uint64(math.MaxUint32 - s.extranonce)
	if left > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(left)
}

// TimeLeft implements work.TemplateSource
func (s *TemplateSource) TimeLeft(now time.Time) time.Duration {
	return s.expiresAt.Sub(now)
}

// Expiry returns how long the template was valid for when fetched
func (s *TemplateSource) Expiry() time.Duration {
	return s.expiresAt.Sub(s.fetchedAt)
}

// Height returns the template's block height
func (s *TemplateSource) Height() int64 { return s.height }

// WorkID returns the template workid, if any
func (s *TemplateSource) WorkID() string { return s.workID }

// Block assembles the full block for a solved header produced with extranonce dataID
func (s *TemplateSource) Block(dataID uint32, header [work.HeaderSize]byte) (*wire.MsgBlock, error) {
	var h wire.BlockHeader
	if err := h.Deserialize(bytes.NewReader(header[:])); err != nil {
		return nil, fmt.Errorf("failed to decode header: %w", err)
	}

	cb := s.coinbaseFor(dataID)
	if root := merkleRoot(cb.TxHash(), s.branch); root != h.MerkleRoot {
		return nil, fmt.Errorf("merkle root mismatch for data id %d", dataID)
	}

	block := &wire.MsgBlock{Header: h}
	block.Transactions = make([]*wire.MsgTx, 0, len(s.txs)+1)
	block.Transactions = append(block.Transactions, cb)
	block.Transactions = append(block.Transactions, s.txs...)
	return block, nil
}

// BlockHex returns the serialized block for submitblock
func (s *TemplateSource) BlockHex(dataID uint32, header [work.HeaderSize]byte) (string, error) {
	block, err := s.Block(dataID, header)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	buf.Grow(block.SerializeSize())
	if err := block.Serialize(&buf); err != nil {
		return "", fmt.Errorf("failed to serialize block: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

// merkleBranch returns the authentication path for the first leaf. The
// first leaf's value does not affect the result.
func merkleBranch(leaves []chainhash.Hash) []chainhash.Hash {
	var branch []chainhash.Hash
	level := slices.Clone(leaves)
	for len(level) > 1 {
		branch = append(branch, level[1])
		next := make([]chainhash.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, hashPair(left, right))
		}
		level = next
	}
	return branch
}

// merkleRoot folds the coinbase hash up the branch
func merkleRoot(coinbase chainhash.Hash, branch []chainhash.Hash) chainhash.Hash {
	root := coinbase
	for _, h := range branch {
		root = hashPair(root, h)
	}
	return root
}

func hashPair(left, right chainhash.Hash) chainhash.Hash {
	var buf [64]byte
	copy(buf[:32], left[:])
	copy(buf[32:], right[:])
	return chainhash.Hash(work.DoubleSHA256(buf[:]))
}
