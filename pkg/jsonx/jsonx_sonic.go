//go:build !nojsonsimd

package jsonx

import (
	"reflect"

	"github.com/bytedance/sonic"
)

var fastJSON = sonic.ConfigDefault

func marshal(v any) ([]byte, error) {
	return fastJSON.Marshal(v)
}

func unmarshal(data []byte, v any) error {
	return fastJSON.Unmarshal(data, v)
}

func pretouch(t reflect.Type) {
	_ = sonic.Pretouch(t)
}
