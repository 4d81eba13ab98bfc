package fs

import (
	"github.com/mitchellh/mapstructure"
)

// KV is a map-backed Config. Values may be stored as any numeric type;
// reads coerce them with mapstructure's weakly typed decoding so callers
// always see the type they asked for.
type KV map[string]any

var _ Config = (KV)(nil)

func (kv KV) Architecture() string {
	return kv.String("general.architecture", "unknown")
}

func keyValue[T any](kv KV, key string, defaultValue T) T {
	val, ok := kv[key]
	if !ok {
		return defaultValue
	}

	var out T
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &out,
	})
	if err != nil {
		return defaultValue
	}

	if err := decoder.Decode(val); err != nil {
		return defaultValue
	}

	return out
}

func (kv KV) String(key string, defaultValue ...string) string {
	return keyValue(kv, key, append(defaultValue, "")[0])
}

func (kv KV) Uint(key string, defaultValue ...uint32) uint32 {
	return keyValue(kv, key, append(defaultValue, 0)[0])
}

func (kv KV) Int(key string, defaultValue ...int32) int32 {
	return keyValue(kv, key, append(defaultValue, 0)[0])
}

func (kv KV) Float(key string, defaultValue ...float32) float32 {
	return keyValue(kv, key, append(defaultValue, 0)[0])
}

func (kv KV) Bool(key string, defaultValue ...bool) bool {
	return keyValue(kv, key, append(defaultValue, false)[0])
}

func (kv KV) Strings(key string, defaultValue ...[]string) []string {
	return keyValue(kv, key, append(defaultValue, []string(nil))[0])
}

func (kv KV) Ints(key string, defaultValue ...[]int32) []int32 {
	return keyValue(kv, key, append(defaultValue, []int32(nil))[0])
}

func (kv KV) Floats(key string, defaultValue ...[]float32) []float32 {
	return keyValue(kv, key, append(defaultValue, []float32(nil))[0])
}
