// Package pointer helps build pointer-typed optional fields.
package pointer

// Ref returns a pointer to v, which a literal or expression cannot yield
// directly.
func Ref[T any](v T) *T {
	return &v
}
