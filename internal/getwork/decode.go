package getwork

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"slices"
	"time"

	"github.com/btcsuite/btcd/btcjson"

	"github.com/bardlex/gominer/internal/pool"
	"github.com/bardlex/gominer/internal/rpc"
	"github.com/bardlex/gominer/internal/target"
	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/jsonx"
)

// ErrDecode is returned when a pool reply cannot be turned into work
var ErrDecode = errors.New(errors.ErrorTypeProtocol, "getwork.decode", "undecodable work")

const getworkDataSize = 128

// getworkResult is the reply to a getwork call. Some pools add submitold.
type getworkResult struct {
	Data      string `json:"data"`
	Target    string `json:"target"`
	Midstate  string `json:"midstate,omitempty"`
	Hash1     string `json:"hash1,omitempty"`
	SubmitOld *bool  `json:"submitold,omitempty"`
}

func decodeErr(msg string, cause error) error {
	if cause == nil {
		return errors.Wrap(ErrDecode, errors.ErrorTypeProtocol, "getwork.decode", msg)
	}
	return errors.Wrap(ErrDecode, errors.ErrorTypeProtocol, "getwork.decode", msg).WithContext("cause", cause.Error())
}

// swapWords reverses the bytes of every 32-bit word. getwork transmits the
// header this way.
func swapWords(dst, src []byte) {
	for i := 0; i+4 <= len(src); i += 4 {
		binary.BigEndian.PutUint32(dst[i:], binary.LittleEndian.Uint32(src[i:]))
	}
}

// parseDisplayTarget reads a big-endian hex target as shown by nodes
func parseDisplayTarget(s string) (target.Target, error) {
	var t target.Target
	b, err := hex.DecodeString(s)
	if err != nil {
		return t, err
	}
	if len(b) > 32 {
		return t, fmt.Errorf("target too long: %d bytes", len(b))
	}
	slices.Reverse(b)
	copy(t[:], b)
	return t, nil
}

// DecodeGetwork converts a getwork reply into a unit
func DecodeGetwork(reply *rpc.Reply, p *pool.Pool, algo target.Algorithm) (*work.Unit, error) {
	var res getworkResult
	if err := jsonx.Unmarshal(reply.Result, &res); err != nil {
		return nil, decodeErr("getwork result is not an object", err)
	}
	raw, err := hex.DecodeString(res.Data)
	if err != nil || len(raw) < work.HeaderSize {
		return nil, decodeErr("getwork data missing or short", err)
	}

	u := work.New(p, work.SourceGetwork)
	swapWords(u.Data[:], raw[:work.HeaderSize])

	t := target.SetTarget(1, algo)
	if res.Target != "" {
		b, err := hex.DecodeString(res.Target)
		if err != nil || len(b) != 32 {
			return nil, decodeErr("getwork target invalid", err)
		}
		copy(t[:], b)
	}
	u.SetTarget(t, algo)
	if err := u.ComputeMidstate(); err != nil {
		return nil, decodeErr("midstate", err)
	}

	if reply.CanRoll {
		u.RollTime = reply.RollTime
	}
	if res.SubmitOld != nil && p != nil {
		p.SetSubmitOld(*res.SubmitOld)
	}
	return u, nil
}

// EncodeGetworkSubmit returns the hex data string for a solved unit, padded
// the way getwork servers expect.
func EncodeGetworkSubmit(u *work.Unit) string {
	var buf [getworkDataSize]byte
	swapWords(buf[:work.HeaderSize], u.Data[:])
	binary.LittleEndian.PutUint32(buf[80:], 0x80000000)
	binary.LittleEndian.PutUint32(buf[124:], 0x00000280)
	return hex.EncodeToString(buf[:])
}

// DecodeTemplate converts a getblocktemplate reply into a template backed unit
func DecodeTemplate(reply *rpc.Reply, p *pool.Pool, algo target.Algorithm, cb CoinbaseConfig, now time.Time) (*work.Unit, *btcjson.GetBlockTemplateResult, error) {
	var tmpl btcjson.GetBlockTemplateResult
	if err := jsonx.Unmarshal(reply.Result, &tmpl); err != nil {
		return nil, nil, decodeErr("template result is not an object", err)
	}
	if tmpl.Bits == "" {
		return nil, nil, decodeErr("template has no bits", nil)
	}

	src, err := NewTemplateSource(&tmpl, cb, now)
	if err != nil {
		return nil, nil, decodeErr("template unusable", err)
	}

	var t target.Target
	if tmpl.Target != "" {
		if t, err = parseDisplayTarget(tmpl.Target); err != nil {
			return nil, nil, decodeErr("template target invalid", err)
		}
	} else {
		if t, err = target.BitsToTarget(src.bits); err != nil {
			return nil, nil, decodeErr("template bits out of range", err)
		}
	}

	tmplHandle := work.NewTemplate(src, nil)
	data, dataID, err := src.NextData(now)
	if err != nil {
		tmplHandle.Release()
		return nil, nil, decodeErr("template header", err)
	}

	u := work.New(p, work.SourceTemplate)
	u.Data = data
	u.Ext = &work.TemplateExt{Tmpl: tmplHandle, DataID: dataID}
	u.SetTarget(t, algo)
	if err := u.ComputeMidstate(); err != nil {
		u.Release()
		return nil, nil, decodeErr("midstate", err)
	}
	u.RollTime = src.Expiry()
	if tmpl.Height > 0 {
		u.Height = tmpl.Height
	}

	if p != nil {
		if tmpl.SubmitOld != nil {
			p.SetSubmitOld(*tmpl.SubmitOld)
		}
		if tmpl.LongPollID != "" {
			p.SetLongpollID(tmpl.LongPollID)
		}
	}
	return u, &tmpl, nil
}
