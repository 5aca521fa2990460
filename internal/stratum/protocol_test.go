package stratum

import (
	"reflect"
	"strings"
	"testing"

	"github.com/bardlex/gominer/pkg/jsonx"
)

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name       string
		data       []byte
		wantMethod string
		wantID     uint64
		wantHasID  bool
		wantResp   bool
		wantNotify bool
		wantErr    bool
	}{
		{
			name:      "response",
			data:      []byte(`{"id":1,"result":true,"error":null}`),
			wantID:    1,
			wantHasID: true,
			wantResp:  true,
		},
		{
			name:       "notification",
			data:       []byte(`{"id":null,"method":"mining.notify","params":["job1","prev","cb1","cb2",[],"20000000","1800c29f","5a54a978",true]}`),
			wantMethod: "mining.notify",
			wantNotify: true,
		},
		{
			name:       "server request with id",
			data:       []byte(`{"id":"7","method":"client.get_version","params":[]}`),
			wantMethod: "client.get_version",
			wantID:     7,
			wantHasID:  true,
			wantNotify: true,
		},
		{
			name:    "invalid json",
			data:    []byte(`{invalid json}`),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMessage(tt.data)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got.Method != tt.wantMethod {
				t.Errorf("Expected method %q, got %q", tt.wantMethod, got.Method)
			}
			id, ok := got.RequestID()
			if ok != tt.wantHasID || id != tt.wantID {
				t.Errorf("Expected id %d (%v), got %d (%v)", tt.wantID, tt.wantHasID, id, ok)
			}
			if got.IsResponse() != tt.wantResp {
				t.Errorf("Expected IsResponse %v", tt.wantResp)
			}
			if got.IsNotification() != tt.wantNotify {
				t.Errorf("Expected IsNotification %v", tt.wantNotify)
			}
		})
	}
}

func TestMessage_Err(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want *Error
	}{
		{"null", `null`, nil},
		{"absent", ``, nil},
		{"array", `[23,"Low difficulty share",null]`, &Error{Code: 23, Message: "Low difficulty share"}},
		{"object", `{"code":21,"message":"Job not found"}`, &Error{Code: 21, Message: "Job not found"}},
		{"string", `"Stale"`, &Error{Code: ErrorOther, Message: "Stale"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Message{Error: jsonx.RawMessage(tt.raw)}
			got := m.Err()
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Err() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestMarshalRequest(t *testing.T) {
	line, err := MarshalRequest(&Request{ID: 3, Method: "mining.subscribe", Params: []any{"gominer/1.0"}})
	if err != nil {
		t.Fatalf("MarshalRequest() error = %v", err)
	}
	if !strings.HasSuffix(string(line), "\n") {
		t.Error("Expected newline terminated request")
	}

	var back struct {
		ID     uint64 `json:"id"`
		Method string `json:"method"`
		Params []any  `json:"params"`
	}
	if err := jsonx.Unmarshal(line, &back); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if back.ID != 3 || back.Method != "mining.subscribe" || len(back.Params) != 1 {
		t.Errorf("Unexpected request %+v", back)
	}
}

const testPrevHash = "00000000440b921e1b77c6c0487ae5616de67f788f44ae2a5af6e2194d16b6f8"

func notifyParams(clean bool, merkle string) string {
	c := "false"
	if clean {
		c = "true"
	}
	return `["job1","` + testPrevHash + `","0100","ffff",[` + merkle + `],"20000000","1d00ffff","5a54a978",` + c + `]`
}

func TestParseNotify(t *testing.T) {
	branch := `"` + strings.Repeat("ab", 32) + `"`

	job, err := ParseNotify(jsonx.RawMessage(notifyParams(true, branch)))
	if err != nil {
		t.Fatalf("ParseNotify() error = %v", err)
	}
	if job.JobID != "job1" || job.PrevHash != testPrevHash || !job.Clean {
		t.Errorf("Unexpected job %+v", job)
	}
	if len(job.Merkle) != 1 || job.NBits != "1d00ffff" || job.Version != "20000000" {
		t.Errorf("Unexpected job %+v", job)
	}

	bad := []struct {
		name string
		raw  string
	}{
		{"short", `["job1","` + testPrevHash + `"]`},
		{"bad prevhash", `["job1","zz","0100","ffff",[],"20000000","1d00ffff","5a54a978",true]`},
		{"short branch", notifyParams(true, `"abcd"`)},
		{"clean not bool", `["job1","` + testPrevHash + `","0100","ffff",[],"20000000","1d00ffff","5a54a978","yes"]`},
		{"not array", `{"job":1}`},
	}
	for _, tt := range bad {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseNotify(jsonx.RawMessage(tt.raw)); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestParseSubscribe(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    *Subscription
		wantErr bool
	}{
		{
			name: "list of subscriptions",
			raw:  `[[["mining.set_difficulty","d1"],["mining.notify","ae6812eb4cd7735a302a8a9dd95cf71f"]],"08000002",4]`,
			want: &Subscription{SessionID: "ae6812eb4cd7735a302a8a9dd95cf71f", Nonce1: "08000002", N2Size: 4},
		},
		{
			name: "single subscription",
			raw:  `[["mining.notify","abc"],"f000000f",8]`,
			want: &Subscription{SessionID: "abc", Nonce1: "f000000f", N2Size: 8},
		},
		{
			name: "no session",
			raw:  `[null,"f000000f",4]`,
			want: &Subscription{Nonce1: "f000000f", N2Size: 4},
		},
		{name: "zero n2size", raw: `[null,"f000000f",0]`, wantErr: true},
		{name: "bad nonce1", raw: `[null,"xyz",4]`, wantErr: true},
		{name: "short", raw: `[null,"f000000f"]`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSubscribe(jsonx.RawMessage(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSubscribe() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseSubscribe() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseSetDifficulty(t *testing.T) {
	tests := []struct {
		raw     string
		want    float64
		wantErr bool
	}{
		{`[16]`, 16, false},
		{`[0.5]`, 0.5, false},
		{`[0]`, 0, true},
		{`["16"]`, 0, true},
		{`[]`, 0, true},
	}

	for _, tt := range tests {
		got, err := ParseSetDifficulty(jsonx.RawMessage(tt.raw))
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSetDifficulty(%s) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseSetDifficulty(%s) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestParseReconnect(t *testing.T) {
	host, port, err := ParseReconnect(jsonx.RawMessage(`["pool.example.com",3334]`))
	if err != nil || host != "pool.example.com" || port != "3334" {
		t.Errorf("Expected pool.example.com:3334, got %s:%s (%v)", host, port, err)
	}

	host, port, err = ParseReconnect(jsonx.RawMessage(`[]`))
	if err != nil || host != "" || port != "" {
		t.Errorf("Expected empty reconnect target, got %s:%s (%v)", host, port, err)
	}
}
