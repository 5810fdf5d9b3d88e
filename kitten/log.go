package kitten

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `kitten` package:
// Info:
//     essential events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time (infrequent) initialization data that is useful for monitoring
//     this includes:
//     - disconnects and reconnect scheduling
//     - dropped frames
// Warning:
//     unexpected panics in observers, even though they are recovered
// V(1):
//     per-frame events with ids that can be used to filter
// V(2):
//     connect timing traces and pings

const LogLevelUrgent glog.Level = 0
const LogLevelInfo glog.Level = 1
const LogLevelDebug glog.Level = 2

type LogFunction func(string, ...any)

func LogFn(level glog.Level, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(level) {
			m := fmt.Sprintf(format, a...)
			glog.InfoDepth(1, fmt.Sprintf("%s: %s", tag, m))
		}
	}
}

func SubLogFn(level glog.Level, log LogFunction, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(level) {
			m := fmt.Sprintf(format, a...)
			log("%s: %s", tag, m)
		}
	}
}
