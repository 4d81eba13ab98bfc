package fs

// Config exposes typed access to model hyperparameters. Lookups return
// the supplied default when the key is missing.
type Config interface {
	Architecture() string

	String(string, ...string) string
	Uint(string, ...uint32) uint32
	Int(string, ...int32) int32
	Float(string, ...float32) float32
	Bool(string, ...bool) bool

	Strings(string, ...[]string) []string
	Ints(string, ...[]int32) []int32
	Floats(string, ...[]float32) []float32
}
