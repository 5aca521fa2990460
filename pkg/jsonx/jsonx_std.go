//go:build nojsonsimd

package jsonx

import (
	stdjson "encoding/json"
	"reflect"
)

func marshal(v any) ([]byte, error) {
	return stdjson.Marshal(v)
}

func unmarshal(data []byte, v any) error {
	return stdjson.Unmarshal(data, v)
}

func pretouch(reflect.Type) {}
