//go:build !debug

package debug

// Assert and Assertf are no-ops outside the "debug" build tag.
func Assert(cond bool, msg ...interface{}) {}

func Assertf(cond bool, format string, args ...interface{}) {}
