package stratum

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/bardlex/gominer/internal/pool"
	"github.com/bardlex/gominer/internal/target"
	"github.com/bardlex/gominer/internal/work"
)

// coinb1 of a BIP34 coinbase for height 100000: version, input count,
// null outpoint, index, script length, then the 3-byte height push.
var testCoinb1 = "01000000" + "01" + strings.Repeat("00", 32) + "ffffffff" + "20" + "03a08601" + "00"

const testCoinb2 = "ffffffff0100f2052a01000000015100000000"

func dsha(b []byte) []byte {
	first := sha256.Sum256(b)
	second := sha256.Sum256(first[:])
	return second[:]
}

func stratumPool(t *testing.T, diff float64) *pool.Pool {
	t.Helper()
	p := pool.New(0, "stratum+tcp://127.0.0.1:3333", "worker", "x")
	p.UpdateStratum(func(s *pool.StratumState) {
		s.Nonce1 = "f000000f"
		s.N2Size = 4
		s.Diff = diff
		s.Active = true
		s.Notify = true
		s.Job = pool.StratumJob{
			JobID:    "job1",
			PrevHash: testPrevHash,
			Coinb1:   testCoinb1,
			Coinb2:   testCoinb2,
			Merkle:   []string{strings.Repeat("11", 32)},
			Version:  "20000000",
			NBits:    "1d00ffff",
			NTime:    "5a54a978",
			Clean:    true,
		}
	})
	return p
}

func TestParseHeight(t *testing.T) {
	tests := []struct {
		name   string
		coinb1 string
		want   int64
	}{
		{"three byte push", testCoinb1, 100000},
		{"too short", testCoinb1[:88], -1},
		{"two byte push", testCoinb1[:84] + "02a086" + "0000", -1},
		{"not hex", testCoinb1[:84] + "03zzzzzz", -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseHeight(tt.coinb1); got != tt.want {
				t.Errorf("Expected height %d, got %d", tt.want, got)
			}
		})
	}
}

func TestGenWork_Header(t *testing.T) {
	p := stratumPool(t, 2)
	now := time.Now()

	u, err := GenWork(p, target.SHA256d, now)
	if err != nil {
		t.Fatalf("GenWork() error = %v", err)
	}

	if u.Source != work.SourceStratum {
		t.Errorf("Expected stratum source, got %v", u.Source)
	}
	if u.Version() != 0x20000000 {
		t.Errorf("Expected version 0x20000000, got %#x", u.Version())
	}
	if u.Bits() != 0x1d00ffff {
		t.Errorf("Expected bits 0x1d00ffff, got %#x", u.Bits())
	}
	if u.NTime() != 0x5a54a978 {
		t.Errorf("Expected ntime 0x5a54a978, got %#x", u.NTime())
	}
	if u.Nonce() != 0 {
		t.Errorf("Expected zero nonce, got %d", u.Nonce())
	}
	if u.Height != 100000 {
		t.Errorf("Expected height 100000, got %d", u.Height)
	}

	prev, _ := hex.DecodeString(testPrevHash)
	for i := 0; i < 32; i += 4 {
		want := []byte{prev[i+3], prev[i+2], prev[i+1], prev[i]}
		if !bytes.Equal(u.Data[4+i:8+i], want) {
			t.Fatalf("Expected prevhash word %d swapped, got %x", i/4, u.Data[4+i:8+i])
		}
	}

	coinbase, _ := hex.DecodeString(testCoinb1 + "f000000f" + "00000000" + testCoinb2)
	branch, _ := hex.DecodeString(strings.Repeat("11", 32))
	root := dsha(append(dsha(coinbase), branch...))
	if !bytes.Equal(u.Data[36:68], root) {
		t.Errorf("Expected merkle root %x, got %x", root, u.Data[36:68])
	}

	ext, ok := u.Stratum()
	if !ok {
		t.Fatal("Expected stratum extension")
	}
	if ext.JobID != "job1" || ext.Nonce2 != "00000000" || ext.NTime != "5a54a978" {
		t.Errorf("Unexpected extension %+v", ext)
	}
	// the diff-1 target 0xffff<<208 sits just under 2^224
	if want := 2 * 65536.0 / 65535.0; math.Abs(u.Difficulty-want) > 1e-9 {
		t.Errorf("Expected difficulty %v, got %v", want, u.Difficulty)
	}
	if !p.LastWorkTime().Equal(now) {
		t.Error("Expected pool work time updated")
	}
}

func TestGenWork_DistinctCoinbase(t *testing.T) {
	p := stratumPool(t, 1)

	a, err := GenWork(p, target.SHA256d, time.Now())
	if err != nil {
		t.Fatalf("GenWork() error = %v", err)
	}
	b, err := GenWork(p, target.SHA256d, time.Now())
	if err != nil {
		t.Fatalf("GenWork() error = %v", err)
	}

	ea, _ := a.Stratum()
	eb, _ := b.Stratum()
	if ea.Nonce2 != "00000000" || eb.Nonce2 != "01000000" {
		t.Errorf("Expected little-endian extranonce2 0 then 1, got %s and %s", ea.Nonce2, eb.Nonce2)
	}
	if bytes.Equal(a.Data[36:68], b.Data[36:68]) {
		t.Error("Expected different merkle roots")
	}
	if a.ID == b.ID {
		t.Error("Expected distinct unit ids")
	}
}

func TestGenWork_NoJob(t *testing.T) {
	p := pool.New(0, "stratum+tcp://127.0.0.1:3333", "worker", "x")
	if _, err := GenWork(p, target.SHA256d, time.Now()); err != ErrNoJob {
		t.Errorf("Expected ErrNoJob, got %v", err)
	}
}
