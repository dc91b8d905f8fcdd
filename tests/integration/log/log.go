//go:build integration

package log

import (
	"fmt"
	"os"
	"time"
)

var start = time.Now()

// Status prints a progress line, stamped with the time since the suite started,
// straight to stdout so it shows up while tests are still running.
func Status(format string, args ...any) {
	elapsed := time.Since(start).Truncate(time.Second)
	_, _ = fmt.Fprintf(os.Stdout, "[%6s] "+format+"\n", append([]any{elapsed}, args...)...)
}
