package kitten

import (
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/golang/glog"
)

// runs `do` and recovers a panic, which is logged and passed to `onError`.
// Returns the recovered value, or nil.
func HandleError(do func(), onError ...func(error)) (r any) {
	defer func() {
		r = recover()
		if r == nil {
			return
		}
		glog.Warningf("[e]observer panic = %s\n", panicJson(r, debug.Stack()))
		var err error
		switch v := r.(type) {
		case error:
			err = v
		default:
			err = fmt.Errorf("%v", v)
		}
		for _, f := range onError {
			f(err)
		}
	}()
	do()
	return
}

// the panic value and trimmed stack as one log line
func panicJson(r any, stack []byte) string {
	lines := strings.Split(strings.TrimSpace(string(stack)), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	b, _ := json.Marshal(struct {
		Panic string   `json:"panic"`
		Stack []string `json:"stack"`
	}{
		Panic: fmt.Sprintf("%T=%v", r, r),
		Stack: lines,
	})
	return string(b)
}

// logs the wall time of `do` at V(2)
func Trace(tag string, do func()) {
	timed(tag, func() string {
		do()
		return ""
	})
}

func TraceWithReturnError[R any](tag string, do func() (R, error)) (result R, err error) {
	timed(tag, func() string {
		result, err = do()
		if err != nil {
			return fmt.Sprintf(" err = %s", err)
		}
		return ""
	})
	return
}

func timed(tag string, do func() string) {
	start := time.Now()
	glog.V(2).Infof("[%-5s]%s\n", "start", tag)
	suffix := do()
	elapsed := time.Since(start)
	glog.V(2).Infof("[%-5s]%s (%.2fms)%s\n", "end", tag, float64(elapsed)/float64(time.Millisecond), suffix)
}
