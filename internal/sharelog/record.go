// Package sharelog records every share attempt and its disposition, to a
// local file, to Kafka, or both.
package sharelog

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/jsonx"
)

// Dispositions written for share attempts. Rejects carry the pool's reason
// as "reject:<reason>".
const (
	Accept     = "accept"
	Reject     = "reject"
	Stale      = "stale"
	Disconnect = "disconnect"
	Discard    = "discard"
	HWError    = "hw"
)

// Record is one share attempt
type Record struct {
	Time        time.Time `json:"time"`
	Disposition string    `json:"disposition"`
	Target      string    `json:"target"`
	PoolURL     string    `json:"pool_url"`
	Device      string    `json:"device"`
	ThrID       int       `json:"thr_id"`
	Hash        string    `json:"hash"`
	Data        string    `json:"data"`
	Difficulty  float64   `json:"difficulty"`
	ShareDiff   float64   `json:"share_diff"`
}

// RejectDisposition formats the disposition of a rejected share
func RejectDisposition(reason string) string {
	if reason == "" {
		return Reject
	}
	return Reject + ":" + reason
}

// NewRecord describes an attempt to submit u. device names the worker
// family, for example "cpu".
func NewRecord(u *work.Unit, disposition, device string, now time.Time) Record {
	r := Record{
		Time:        now,
		Disposition: disposition,
		Target:      hex.EncodeToString(u.Target[:]),
		Device:      fmt.Sprintf("%s%d", device, u.ThrID),
		ThrID:       u.ThrID,
		Hash:        hex.EncodeToString(u.Hash[:]),
		Data:        hex.EncodeToString(u.Data[:]),
		Difficulty:  u.Difficulty,
		ShareDiff:   u.ShareDiff(),
	}
	if u.Pool != nil {
		r.PoolURL = u.Pool.URL()
	}
	return r
}

// CSV renders the classic share log line
// timestamp,disposition,target,poolurl,dev+id,thr,hash,data
func (r Record) CSV() string {
	return fmt.Sprintf("%d,%s,%s,%s,%s,%d,%s,%s",
		r.Time.Unix(), r.Disposition, r.Target, r.PoolURL, r.Device, r.ThrID, r.Hash, r.Data)
}

// Format selects the wire encoding of records sent to Kafka
type Format int

const (
	FormatJSON Format = iota
	FormatProto
)

func (f Format) String() string {
	if f == FormatProto {
		return "proto"
	}
	return "json"
}

// ParseFormat parses json or proto
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return FormatJSON, nil
	case "proto", "protobuf":
		return FormatProto, nil
	}
	return FormatJSON, errors.New(errors.ErrorTypeValidation, "sharelog.format",
		fmt.Sprintf("unknown share log format %q", s))
}

// ToProto converts r to a protobuf Struct
func (r Record) ToProto() (*structpb.Struct, error) {
	ts := timestamppb.New(r.Time)
	return structpb.NewStruct(map[string]any{
		"seconds":     float64(ts.GetSeconds()),
		"nanos":       float64(ts.GetNanos()),
		"disposition": r.Disposition,
		"target":      r.Target,
		"pool_url":    r.PoolURL,
		"device":      r.Device,
		"thr_id":      float64(r.ThrID),
		"hash":        r.Hash,
		"data":        r.Data,
		"difficulty":  r.Difficulty,
		"share_diff":  r.ShareDiff,
	})
}

// FromProto converts a protobuf Struct written by ToProto back to a record
func FromProto(s *structpb.Struct) (Record, error) {
	f := s.GetFields()
	ts := &timestamppb.Timestamp{
		Seconds: int64(f["seconds"].GetNumberValue()),
		Nanos:   int32(f["nanos"].GetNumberValue()),
	}
	if err := ts.CheckValid(); err != nil {
		return Record{}, errors.Wrap(err, errors.ErrorTypeValidation, "sharelog.decode", "invalid timestamp")
	}
	return Record{
		Time:        ts.AsTime(),
		Disposition: f["disposition"].GetStringValue(),
		Target:      f["target"].GetStringValue(),
		PoolURL:     f["pool_url"].GetStringValue(),
		Device:      f["device"].GetStringValue(),
		ThrID:       int(f["thr_id"].GetNumberValue()),
		Hash:        f["hash"].GetStringValue(),
		Data:        f["data"].GetStringValue(),
		Difficulty:  f["difficulty"].GetNumberValue(),
		ShareDiff:   f["share_diff"].GetNumberValue(),
	}, nil
}

// Encode serializes r in format
func Encode(r Record, format Format) ([]byte, error) {
	if format == FormatProto {
		s, err := r.ToProto()
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeValidation, "sharelog.encode", "record to struct")
		}
		return proto.Marshal(s)
	}
	return jsonx.Marshal(r)
}

// Decode parses a record serialized by Encode
func Decode(data []byte, format Format) (Record, error) {
	if format == FormatProto {
		var s structpb.Struct
		if err := proto.Unmarshal(data, &s); err != nil {
			return Record{}, errors.Wrap(err, errors.ErrorTypeValidation, "sharelog.decode", "bad protobuf record")
		}
		return FromProto(&s)
	}
	var r Record
	if err := jsonx.Unmarshal(data, &r); err != nil {
		return Record{}, errors.Wrap(err, errors.ErrorTypeValidation, "sharelog.decode", "bad json record")
	}
	return r, nil
}
