package nbmodel

import (
	"fmt"

	"github.com/golang/glog"
)

// Components take an explicit diagnostics sink at construction instead
// of sharing a process-wide logger. The default sink writes through glog
// at V(1); per-frame tracing belongs at V(2) in the caller.

type LogFunction func(format string, a ...any)

func NoopLogFn() LogFunction {
	return func(format string, a ...any) {}
}

func GlogFn(tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(1) {
			m := fmt.Sprintf(format, a...)
			glog.InfoDepth(1, fmt.Sprintf("[%s]%s", tag, m))
		}
	}
}

func SubLogFn(log LogFunction, tag string) LogFunction {
	return func(format string, a ...any) {
		m := fmt.Sprintf(format, a...)
		log("[%s]%s", tag, m)
	}
}
