// Package stdx has the small helpers for package level declarations that
// cannot handle an error.
package stdx

// Must1 returns v, or panics when err is not nil.
func Must1[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}
