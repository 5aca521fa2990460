package blocks

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

func hashN(n byte) chainhash.Hash {
	var h chainhash.Hash
	h[0] = n
	h[31] = 0xAB
	return h
}

func TestTracker_Observe(t *testing.T) {
	tr := NewTracker()

	known, seq := tr.Observe(hashN(1))
	if known || seq != 1 {
		t.Errorf("Expected new block with seq 1, got known=%v seq=%d", known, seq)
	}
	known, seq = tr.Observe(hashN(1))
	if !known || seq != 1 {
		t.Errorf("Expected known block with seq 1, got known=%v seq=%d", known, seq)
	}
	if tr.Seq() != 1 {
		t.Errorf("Expected 1 distinct block, got %d", tr.Seq())
	}
}

func TestTracker_Eviction(t *testing.T) {
	tr := NewTracker()
	for i := 0; i < HistorySize+1; i++ {
		tr.Observe(hashN(byte(i + 1)))
	}

	if tr.Len() != HistorySize {
		t.Errorf("Expected %d remembered hashes, got %d", HistorySize, tr.Len())
	}
	if tr.Known(hashN(1)) {
		t.Error("Expected oldest hash evicted")
	}
	if !tr.Known(hashN(HistorySize + 1)) {
		t.Error("Expected newest hash kept")
	}

	known, seq := tr.Observe(hashN(1))
	if known || seq != HistorySize+2 {
		t.Errorf("Expected evicted hash to be new again, got known=%v seq=%d", known, seq)
	}
}

func TestTracker_Current(t *testing.T) {
	tr := NewTracker()
	if tr.CurrentID() != 0 || tr.Current().Height != -1 {
		t.Error("Expected empty current block")
	}

	h := hashN(7)
	tr.Observe(h)
	now := time.Now()
	cur := tr.SetCurrent(h, 1234.5, -1, now)

	if cur.ID != BlockID(h) || tr.CurrentID() != 7 {
		t.Errorf("Expected block id 7, got %d", tr.CurrentID())
	}
	if cur.Seq != 1 || cur.NetworkDiff != 1234.5 || !cur.Since.Equal(now) {
		t.Errorf("Unexpected current block %+v", cur)
	}

	tr.SetHeight(hashN(8), 100)
	if tr.Current().Height != -1 {
		t.Error("Expected height of another block to be ignored")
	}
	tr.SetHeight(h, 100)
	if tr.Current().Height != 100 {
		t.Errorf("Expected height 100, got %d", tr.Current().Height)
	}
}
