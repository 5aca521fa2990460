package messaging

import "time"

// Pool event kinds
const (
	EventPoolDied     = "died"
	EventPoolAlive    = "alive"
	EventPoolSwitch   = "switch"
	EventPoolDisabled = "disabled"
	EventBlockFound   = "block_found"
	EventNewBlock     = "new_block"
)

// PoolEvent is a state change of an upstream pool
type PoolEvent struct {
	Event     string    `json:"event"`
	Pool      int       `json:"pool"`
	URL       string    `json:"url"`
	Reason    string    `json:"reason,omitempty"`
	BlockHash string    `json:"block_hash,omitempty"`
	Height    int64     `json:"height,omitempty"`
	At        time.Time `json:"at"`
}
