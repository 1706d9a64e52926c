// Package enginestub provides small shell scripts that stand in for the
// transcoder binary in tests. Each stub accepts the real argument vector and
// ignores it, so leg behavior can be exercised without ffmpeg installed.
package enginestub

import (
	"os"
	"path/filepath"
	"testing"
)

// Echo copies stdin to stdout and exits on end-of-input. Suitable for the
// live-fanout leg.
func Echo(t *testing.T) string {
	return write(t, "echo", "#!/bin/sh\nexec cat\n")
}

// Capture writes stdin to the file named by the last argument, the position
// the durable leg passes its artifact path in.
func Capture(t *testing.T) string {
	return write(t, "capture", "#!/bin/sh\nfor last; do :; done\nexec cat > \"$last\"\n")
}

// Sink consumes stdin and discards it, like the network leg's process.
func Sink(t *testing.T) string {
	return write(t, "sink", "#!/bin/sh\nexec cat > /dev/null\n")
}

// Slow sleeps before consuming stdin so input queues can be saturated.
func Slow(t *testing.T) string {
	return write(t, "slow", "#!/bin/sh\nsleep 2\nexec cat > /dev/null\n")
}

// Fail exits immediately with status 1 without touching stdin.
func Fail(t *testing.T) string {
	return write(t, "fail", "#!/bin/sh\nexit 1\n")
}

// Stubborn ignores termination signals and never exits on its own, forcing
// the kill path.
func Stubborn(t *testing.T) string {
	return write(t, "stubborn", "#!/bin/sh\ntrap '' TERM INT\nwhile :; do sleep 1; done\n")
}

func write(t *testing.T, name, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name+".sh")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write %s stub: %v", name, err)
	}
	return path
}
