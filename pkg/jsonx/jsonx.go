// Package jsonx is the JSON codec for pool traffic. It uses sonic unless the
// binary is built with the nojsonsimd tag.
package jsonx

import (
	"encoding/json"
	"reflect"
)

// RawMessage is a raw encoded JSON value
type RawMessage = json.RawMessage

// Marshal encodes v
func Marshal(v any) ([]byte, error) {
	return marshal(v)
}

// Unmarshal decodes data into v
func Unmarshal(data []byte, v any) error {
	return unmarshal(data, v)
}

// Pretouch compiles codecs for the hot message types ahead of first use.
// Errors are ignored; the codec falls back to lazy compilation.
func Pretouch(values ...any) {
	for _, v := range values {
		pretouch(reflect.TypeOf(v))
	}
}
