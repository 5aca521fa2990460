// Package notify carries out-of-band signals: block hints from a local
// node over ZMQ and operator alerts to Discord.
package notify

import (
	"context"
	"encoding/hex"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
	"github.com/bardlex/gominer/pkg/retry"
)

// TopicHashBlock is the bitcoind -zmqpubhashblock topic
const TopicHashBlock = "hashblock"

const (
	zmqReceiveTimeout = time.Second
	zmqRecreateMin    = time.Second
	zmqRecreateMax    = 30 * time.Second
	zmqReconnectIvl   = time.Second
	zmqReconnectMax   = 10 * time.Second
)

// ParseHashBlock decodes a hashblock multipart message. The node sends the
// hash in display order.
func ParseHashBlock(frames [][]byte) (chainhash.Hash, error) {
	var h chainhash.Hash
	if len(frames) < 2 {
		return h, errors.New(errors.ErrorTypeProtocol, "zmq.parse", "malformed ZMQ message")
	}
	if string(frames[0]) != TopicHashBlock {
		return h, errors.New(errors.ErrorTypeProtocol, "zmq.parse", "unexpected topic "+string(frames[0]))
	}
	if len(frames[1]) != chainhash.HashSize {
		return h, errors.New(errors.ErrorTypeProtocol, "zmq.parse", "invalid block hash length")
	}
	parsed, err := chainhash.NewHashFromStr(hex.EncodeToString(frames[1]))
	if err != nil {
		return h, errors.Wrap(err, errors.ErrorTypeProtocol, "zmq.parse", "invalid block hash")
	}
	return *parsed, nil
}

// BlockHints subscribes to hashblock notifications of a local node. Each
// hint lets the miner refetch work before the pool's longpoll fires.
type BlockHints struct {
	addr    string
	logger  *log.Logger
	connect *retry.Config
}

// NewBlockHints creates a subscriber for addr, for example tcp://127.0.0.1:28332
func NewBlockHints(addr string, logger *log.Logger) *BlockHints {
	if logger == nil {
		logger = log.Nop()
	}
	return &BlockHints{
		addr:    addr,
		logger:  logger.WithComponent("zmq"),
		connect: retry.NetworkConfig(),
	}
}

func (b *BlockHints) open(ctx context.Context) (*zmq.Socket, error) {
	sub, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "zmq.socket", "failed to create ZMQ socket")
	}
	_ = sub.SetLinger(0)
	_ = sub.SetReconnectIvl(zmqReconnectIvl)
	_ = sub.SetReconnectIvlMax(zmqReconnectMax)

	if err := sub.SetSubscribe(TopicHashBlock); err != nil {
		_ = sub.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "zmq.subscribe", "failed to subscribe")
	}
	if err := sub.SetRcvtimeo(zmqReceiveTimeout); err != nil {
		_ = sub.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "zmq.rcvtimeo", "failed to set receive timeout")
	}

	err = retry.Do(ctx, b.connect, func() error {
		if err := sub.Connect(b.addr); err != nil {
			return errors.Wrap(err, errors.ErrorTypeNetwork, "zmq.connect", "failed to connect to ZMQ endpoint").
				WithContext("addr", b.addr)
		}
		return nil
	})
	if err != nil {
		_ = sub.Close()
		return nil, err
	}
	return sub, nil
}

// Run delivers every block hash to onBlock until ctx is done. Socket
// failures recreate the subscription with backoff.
func (b *BlockHints) Run(ctx context.Context, onBlock func(chainhash.Hash)) error {
	backoff := zmqRecreateMin
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		sub, err := b.open(ctx)
		if err != nil {
			b.logger.WithError(err).Warn("ZMQ subscription failed", "addr", b.addr, "retry_in", backoff)
			if err := sleepCtx(ctx, backoff); err != nil {
				return err
			}
			backoff = min(backoff*2, zmqRecreateMax)
			continue
		}
		b.logger.Info("Watching ZMQ block notifications", "addr", b.addr)
		backoff = zmqRecreateMin

		err = b.receive(ctx, sub, onBlock)
		_ = sub.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.logger.WithError(err).Warn("ZMQ receive failed, resubscribing")
	}
}

func (b *BlockHints) receive(ctx context.Context, sub *zmq.Socket, onBlock func(chainhash.Hash)) error {
	for ctx.Err() == nil {
		frames, err := sub.RecvMessageBytes(0)
		if err != nil {
			eno := zmq.AsErrno(err)
			if eno == zmq.Errno(syscall.EAGAIN) || eno == zmq.ETIMEDOUT {
				continue
			}
			return err
		}
		hash, err := ParseHashBlock(frames)
		if err != nil {
			b.logger.WithError(err).Debug("Ignoring ZMQ message")
			continue
		}
		b.logger.Debug("Block hint", "hash", hash.String())
		onBlock(hash)
	}
	return ctx.Err()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
