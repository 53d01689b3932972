//go:build debug

package debug

import "fmt"

// Assert panics with msg (if any) when cond is false. Compiled in only
// under the "debug" build tag; production builds pay nothing for it.
func Assert(cond bool, msg ...interface{}) {
	if cond {
		return
	}
	if len(msg) == 0 {
		panic("assertion failed")
	}
	panic(fmt.Sprint(msg...))
}

func Assertf(cond bool, format string, args ...interface{}) {
	if cond {
		return
	}
	panic(fmt.Sprintf(format, args...))
}
