package sharelog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/gominer/internal/pool"
	"github.com/bardlex/gominer/internal/work"
)

func testRecord() Record {
	p := pool.New(0, "http://pool.example.com:8332", "u", "p")
	u := work.New(p, work.SourceGetwork)
	u.ThrID = 3
	u.Data[0] = 0x02
	u.Target[31] = 0x01
	return NewRecord(u, RejectDisposition("duplicate"), "cpu", time.Unix(1700000000, 500))
}

func TestRecord_CSV(t *testing.T) {
	r := testRecord()
	fields := strings.Split(r.CSV(), ",")
	if len(fields) != 8 {
		t.Fatalf("Expected 8 fields, got %d", len(fields))
	}
	if fields[0] != "1700000000" {
		t.Errorf("Expected unix timestamp, got %s", fields[0])
	}
	if fields[1] != "reject:duplicate" {
		t.Errorf("Expected reject:duplicate, got %s", fields[1])
	}
	if fields[3] != "http://pool.example.com:8332" || fields[4] != "cpu3" || fields[5] != "3" {
		t.Errorf("Unexpected pool/device fields %v", fields[3:6])
	}
	if !strings.HasPrefix(fields[7], "02") || len(fields[7]) != 160 {
		t.Errorf("Expected 80-byte header hex, got %s", fields[7])
	}
}

func TestRejectDisposition(t *testing.T) {
	if got := RejectDisposition(""); got != Reject {
		t.Errorf("Expected %s, got %s", Reject, got)
	}
	if got := RejectDisposition("stale-prevblk"); got != "reject:stale-prevblk" {
		t.Errorf("Expected reject:stale-prevblk, got %s", got)
	}
}

func TestEncodeDecode(t *testing.T) {
	r := testRecord()
	for _, f := range []Format{FormatJSON, FormatProto} {
		t.Run(f.String(), func(t *testing.T) {
			data, err := Encode(r, f)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			got, err := Decode(data, f)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if !got.Time.Equal(r.Time) || got.Disposition != r.Disposition || got.Data != r.Data || got.ThrID != r.ThrID {
				t.Errorf("Expected %+v, got %+v", r, got)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"", FormatJSON, false},
		{"JSON", FormatJSON, false},
		{"proto", FormatProto, false},
		{"xml", FormatJSON, true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseFormat(%q) = %v, %v", tt.in, got, err)
		}
	}
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shares.log")
	s, err := OpenFile(path, nil)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	s.Log(testRecord())
	s.Log(testRecord())
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	s.Log(testRecord())

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if lines := strings.Count(string(data), "\n"); lines != 2 {
		t.Errorf("Expected 2 lines, got %d", lines)
	}
}

type fakePublisher struct {
	mu     sync.Mutex
	json   [][]byte
	protos []proto.Message
	keys   []string
}

func (f *fakePublisher) PublishJSON(_ context.Context, _, key string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.json = append(f.json, data)
	f.keys = append(f.keys, key)
	return nil
}

func (f *fakePublisher) PublishProto(_ context.Context, _, key string, msg proto.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.protos = append(f.protos, msg)
	f.keys = append(f.keys, key)
	return nil
}

func TestKafkaSink_PublishesOnClose(t *testing.T) {
	pub := &fakePublisher{}
	s := NewKafkaSink(pub, "miner.sharelog", FormatProto, 4, nil)

	for i := 0; i < 6; i++ {
		s.Log(testRecord())
	}
	if s.Dropped() != 2 {
		t.Errorf("Expected 2 dropped records, got %d", s.Dropped())
	}

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()
	_ = s.Close()
	<-done

	if len(pub.protos) != 4 {
		t.Fatalf("Expected 4 published records, got %d", len(pub.protos))
	}
	got, err := FromProto(pub.protos[0].(*structpb.Struct))
	if err != nil {
		t.Fatalf("FromProto() error = %v", err)
	}
	if got.Disposition != "reject:duplicate" || pub.keys[0] != "http://pool.example.com:8332" {
		t.Errorf("Unexpected record %+v key %s", got, pub.keys[0])
	}
}

func TestTee(t *testing.T) {
	a := &fakePublisher{}
	sa := NewKafkaSink(a, "t", FormatJSON, 8, nil)
	sb := NewKafkaSink(a, "t", FormatJSON, 8, nil)
	tee := Tee{sa, sb, Nop{}}
	tee.Log(testRecord())

	if len(sa.queue) != 1 || len(sb.queue) != 1 {
		t.Errorf("Expected one queued record per sink, got %d and %d", len(sa.queue), len(sb.queue))
	}
	if err := tee.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
