package notify

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/bwmarrin/discordgo"
	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/gominer/internal/messaging"
)

const testBlockHash = "00000000000000000002a7c4c1e48d76c5a37902165a270156b7a8d72728a054"

func displayBytes(t *testing.T) []byte {
	t.Helper()
	h, err := chainhash.NewHashFromStr(testBlockHash)
	if err != nil {
		t.Fatalf("NewHashFromStr() error = %v", err)
	}
	b := h.CloneBytes()
	// back to display order, as bitcoind publishes it
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return b
}

func TestParseHashBlock(t *testing.T) {
	good := displayBytes(t)

	h, err := ParseHashBlock([][]byte{[]byte("hashblock"), good, {0, 0, 0, 1}})
	if err != nil {
		t.Fatalf("ParseHashBlock() error = %v", err)
	}
	if h.String() != testBlockHash {
		t.Errorf("Expected %s, got %s", testBlockHash, h.String())
	}

	bad := []struct {
		name   string
		frames [][]byte
	}{
		{"single frame", [][]byte{[]byte("hashblock")}},
		{"wrong topic", [][]byte{[]byte("hashtx"), good}},
		{"short hash", [][]byte{[]byte("hashblock"), good[:31]}},
	}
	for _, tt := range bad {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseHashBlock(tt.frames); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestBlockHints_Run(t *testing.T) {
	const addr = "inproc://gominer-test-hashblock"
	pub, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		t.Skipf("ZMQ not available: %v", err)
	}
	defer pub.Close()
	if err := pub.Bind(addr); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan chainhash.Hash, 1)
	done := make(chan error, 1)
	go func() {
		done <- NewBlockHints(addr, nil).Run(ctx, func(h chainhash.Hash) {
			select {
			case got <- h:
			default:
			}
		})
	}()

	// subscriptions propagate asynchronously, so publish until one arrives
	payload := displayBytes(t)
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case h := <-got:
			if h.String() != testBlockHash {
				t.Errorf("Expected %s, got %s", testBlockHash, h.String())
			}
			cancel()
			if err := <-done; err != context.Canceled {
				t.Errorf("Expected context.Canceled, got %v", err)
			}
			return
		case <-tick.C:
			if _, err := pub.SendMessage("hashblock", payload, []byte{1, 0, 0, 0}); err != nil {
				t.Fatalf("SendMessage() error = %v", err)
			}
		case <-deadline:
			t.Fatal("Timed out waiting for block hint")
		}
	}
}

type fakeChannel struct {
	mu   sync.Mutex
	sent []string
	seen chan struct{}
}

func (f *fakeChannel) ChannelMessageSend(channelID, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	f.sent = append(f.sent, channelID+"|"+content)
	f.mu.Unlock()
	f.seen <- struct{}{}
	return &discordgo.Message{Content: content}, nil
}

func TestFormatEvent(t *testing.T) {
	tests := []struct {
		ev   messaging.PoolEvent
		want string
	}{
		{messaging.PoolEvent{Event: messaging.EventBlockFound, Pool: 1, URL: "http://p", BlockHash: "abc", Height: 840000}, "Block 840000 found via pool 1"},
		{messaging.PoolEvent{Event: messaging.EventPoolDisabled, Pool: 0, URL: "http://p", Reason: "11 sequential rejects"}, "disabled: 11 sequential rejects"},
		{messaging.PoolEvent{Event: messaging.EventPoolDied, Pool: 2, URL: "http://p"}, "not responding"},
		{messaging.PoolEvent{Event: messaging.EventNewBlock}, ""},
	}
	for _, tt := range tests {
		got := FormatEvent(tt.ev)
		if tt.want == "" {
			if got != "" {
				t.Errorf("Expected no alert for %s, got %q", tt.ev.Event, got)
			}
			continue
		}
		if !strings.Contains(got, tt.want) {
			t.Errorf("Expected %q in %q", tt.want, got)
		}
	}
}

func TestDiscord_Notify(t *testing.T) {
	ch := &fakeChannel{seen: make(chan struct{}, 4)}
	d := NewDiscordWithSender(ch, "chan1", "[rig1]", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.Notify(messaging.PoolEvent{Event: messaging.EventNewBlock})
	d.Notify(messaging.PoolEvent{Event: messaging.EventPoolDied, Pool: 3, URL: "http://p"})

	select {
	case <-ch.seen:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for alert")
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.sent) != 1 {
		t.Fatalf("Expected 1 alert, got %v", ch.sent)
	}
	if !strings.HasPrefix(ch.sent[0], "chan1|[rig1] ") {
		t.Errorf("Expected channel and prefix, got %q", ch.sent[0])
	}
}

func TestDiscord_QueueFull(t *testing.T) {
	d := NewDiscordWithSender(&fakeChannel{seen: make(chan struct{}, 1)}, "chan1", "", nil)
	for i := 0; i < cap(d.queue)+5; i++ {
		d.Notify(messaging.PoolEvent{Event: messaging.EventPoolDied})
	}
	if d.Dropped() != 5 {
		t.Errorf("Expected 5 dropped alerts, got %d", d.Dropped())
	}
}

func TestNewDiscord_RequiresToken(t *testing.T) {
	if _, err := NewDiscord("", "chan", "", nil); err == nil {
		t.Error("Expected error without token")
	}
}
