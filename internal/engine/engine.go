// Package engine spawns and supervises the external transcoding subprocesses
// (ffmpeg) that back a relay session's pipeline legs. Each leg is an opaque
// byte-in/byte-out process: audio chunks go to stdin, and depending on the leg
// kind the encoded result lands in a file, on stdout, or on an RTP target.
package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"ripplecast/internal/models"
	"ripplecast/internal/observability/metrics"
)

// OverflowPolicy selects what happens when a leg's input queue is saturated.
type OverflowPolicy string

const (
	// OverflowDrop discards the overflowing chunk for that leg only.
	OverflowDrop OverflowPolicy = "drop"
	// OverflowPause suspends forwarding to that leg until its queue drains.
	OverflowPause OverflowPolicy = "pause"
)

// ParseOverflowPolicy validates a configured policy name.
func ParseOverflowPolicy(value string) (OverflowPolicy, error) {
	switch OverflowPolicy(value) {
	case OverflowDrop:
		return OverflowDrop, nil
	case OverflowPause:
		return OverflowPause, nil
	default:
		return "", fmt.Errorf("unknown overflow policy %q", value)
	}
}

const (
	defaultStopGrace  = 2 * time.Second
	defaultQueueDepth = 32
	stdoutReadSize    = 64 * 1024
	stderrRingSize    = 32
)

// Config controls how the engine launches and supervises legs.
type Config struct {
	// Binary is the transcoder executable. Defaults to "ffmpeg" from PATH.
	Binary string
	// StopGrace bounds each escalation step during Stop: input drain, the
	// voluntary exit window, and termination before the force-kill.
	StopGrace time.Duration
	// QueueDepth is the number of chunks buffered per leg input.
	QueueDepth int
	// Overflow is applied when a leg's input queue is full.
	Overflow OverflowPolicy
	Logger   *slog.Logger
}

// Engine builds legs. It holds no per-session state; every Spawn is
// independent and the returned Leg owns its process.
type Engine struct {
	binary     string
	stopGrace  time.Duration
	queueDepth int
	overflow   OverflowPolicy
	logger     *slog.Logger
}

func New(cfg Config) *Engine {
	if cfg.Binary == "" {
		cfg.Binary = "ffmpeg"
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultQueueDepth
	}
	if cfg.Overflow == "" {
		cfg.Overflow = OverflowDrop
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		binary:     cfg.Binary,
		stopGrace:  cfg.StopGrace,
		queueDepth: cfg.QueueDepth,
		overflow:   cfg.Overflow,
		logger:     cfg.Logger,
	}
}

// Leg is one live transcoding process. Writes are best-effort and become
// silent no-ops once the input is closed or the process has exited.
type Leg struct {
	kind      models.LegKind
	sessionID string

	cmd       *exec.Cmd
	cancel    context.CancelFunc
	stdin     io.WriteCloser
	stdinDone chan struct{}
	done      chan struct{}

	queue     chan []byte
	overflow  OverflowPolicy
	stopGrace time.Duration

	mu        sync.Mutex
	inputOpen bool
	paused    bool
	written   uint64
	dropped   uint64
	exitErr   error

	closeOnce sync.Once
	stopOnce  sync.Once

	stderr *lineRing
	logger *slog.Logger
}

// Spawn starts one leg. A nil error means the process is running and its exit
// will be delivered through spec.OnExit exactly once. Spawn failures are
// isolated: the caller decides whether the session's other legs proceed.
func (e *Engine) Spawn(ctx context.Context, spec Spec) (*Leg, error) {
	args, err := BuildArgs(spec)
	if err != nil {
		metrics.LegStarted(string(spec.Kind), false)
		return nil, err
	}

	procCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cmd := exec.CommandContext(procCtx, e.binary, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		metrics.LegStarted(string(spec.Kind), false)
		return nil, fmt.Errorf("pipe stdin: %w", err)
	}
	var stdout io.ReadCloser
	if spec.Kind == models.LegFanout {
		stdout, err = cmd.StdoutPipe()
		if err != nil {
			cancel()
			metrics.LegStarted(string(spec.Kind), false)
			return nil, fmt.Errorf("pipe stdout: %w", err)
		}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		metrics.LegStarted(string(spec.Kind), false)
		return nil, fmt.Errorf("pipe stderr: %w", err)
	}

	logger := e.logger.With("leg", string(spec.Kind), "session_id", spec.SessionID)
	leg := &Leg{
		kind:      spec.Kind,
		sessionID: spec.SessionID,
		cmd:       cmd,
		cancel:    cancel,
		stdin:     stdin,
		stdinDone: make(chan struct{}),
		done:      make(chan struct{}),
		queue:     make(chan []byte, e.queueDepth),
		overflow:  e.overflow,
		stopGrace: e.stopGrace,
		inputOpen: true,
		stderr:    newLineRing(stderrRingSize),
		logger:    logger,
	}

	if err := cmd.Start(); err != nil {
		cancel()
		metrics.LegStarted(string(spec.Kind), false)
		return nil, fmt.Errorf("start %s: %w", e.binary, err)
	}
	metrics.LegStarted(string(spec.Kind), true)
	logger.Info("leg started", "pid", cmd.Process.Pid)

	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		leg.drainStderr(stderr)
	}()
	if stdout != nil {
		readers.Add(1)
		go func() {
			defer readers.Done()
			leg.pumpStdout(stdout, spec.OnOutput)
		}()
	}

	go leg.pumpStdin()
	go leg.reap(&readers, spec.OnExit)

	return leg, nil
}

// Kind reports which pipeline leg this process implements.
func (l *Leg) Kind() models.LegKind { return l.kind }

// Done is closed after the process has exited and its exit error recorded.
func (l *Leg) Done() <-chan struct{} { return l.done }

// ExitErr returns the process's exit error, if any. Only meaningful once Done
// is closed.
func (l *Leg) ExitErr() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.exitErr
}

// BytesWritten reports how many chunk bytes reached the process's stdin.
func (l *Leg) BytesWritten() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.written
}

// Dropped reports how many chunks the overflow policy discarded.
func (l *Leg) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Write queues one chunk for the leg's stdin. It never blocks: a saturated
// queue triggers the overflow policy, and a closed input makes the call a
// no-op. The returned bool reports whether the chunk was accepted.
func (l *Leg) Write(chunk []byte) bool {
	if len(chunk) == 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.inputOpen {
		return false
	}
	if l.paused {
		if len(l.queue) > 0 {
			l.dropped++
			metrics.ChunkDropped("paused")
			return false
		}
		l.paused = false
	}
	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	select {
	case l.queue <- buf:
		return true
	default:
		if l.overflow == OverflowPause {
			l.paused = true
		}
		l.dropped++
		metrics.ChunkDropped("overflow")
		return false
	}
}

// CloseInput signals end-of-input. The queue is drained to the process before
// its stdin closes, letting the transcoder finalize container trailers.
func (l *Leg) CloseInput() {
	l.mu.Lock()
	l.inputOpen = false
	l.mu.Unlock()
	l.closeOnce.Do(func() { close(l.queue) })
}

// Stop tears the leg down in escalating steps, each bounded by the grace
// period: end-of-input with the queue drained to stdin, a chance to exit
// voluntarily so container trailers get written, then termination, then a
// force-kill. Safe to call multiple times and from multiple goroutines; only
// the first call does the work, the rest wait.
func (l *Leg) Stop() {
	l.stopOnce.Do(func() {
		l.CloseInput()
		select {
		case <-l.stdinDone:
		case <-time.After(l.stopGrace):
		}
		select {
		case <-l.done:
		case <-time.After(l.stopGrace):
			if l.cmd.Process != nil {
				_ = l.cmd.Process.Signal(syscall.SIGTERM)
			}
			select {
			case <-l.done:
			case <-time.After(l.stopGrace):
				l.logger.Warn("leg ignored termination, killing", "grace", l.stopGrace.String())
				l.cancel()
			}
		}
	})
	<-l.done
}

func (l *Leg) pumpStdin() {
	defer close(l.stdinDone)
	for buf := range l.queue {
		n, err := l.stdin.Write(buf)
		l.mu.Lock()
		l.written += uint64(n)
		l.mu.Unlock()
		if n > 0 {
			metrics.LegBytes(string(l.kind), n)
		}
		if err != nil {
			l.markInputClosed()
		}
	}
	_ = l.stdin.Close()
}

// markInputClosed flips inputOpen and closes the queue so the stdin pump can
// exit. Unlike CloseInput it is also safe from the pump itself mid-drain.
func (l *Leg) markInputClosed() {
	l.mu.Lock()
	l.inputOpen = false
	l.mu.Unlock()
	l.closeOnce.Do(func() { close(l.queue) })
}

func (l *Leg) pumpStdout(stdout io.Reader, onOutput func([]byte)) {
	buf := make([]byte, stdoutReadSize)
	for {
		n, err := stdout.Read(buf)
		if n > 0 && onOutput != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onOutput(chunk)
		}
		if err != nil {
			return
		}
	}
}

func (l *Leg) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		l.stderr.Add(line)
		l.logger.Debug("engine stderr", "line", line)
	}
}

// reap waits for the pipe readers to hit EOF, then collects the process exit
// status. Done closes before OnExit runs so a teardown triggered from inside
// the callback never deadlocks waiting on this leg.
func (l *Leg) reap(readers *sync.WaitGroup, onExit func(error)) {
	readers.Wait()
	err := l.cmd.Wait()

	l.mu.Lock()
	l.exitErr = err
	l.mu.Unlock()
	l.markInputClosed()
	metrics.LegExited(string(l.kind))

	if err != nil {
		l.logger.Error("leg exited", "error", err, "stderr_tail", l.stderr.Tail(5))
	} else {
		l.logger.Info("leg exited")
	}

	close(l.done)
	if onExit != nil {
		onExit(err)
	}
	l.cancel()
}

// lineRing keeps the last N stderr lines for exit diagnostics.
type lineRing struct {
	mu    sync.Mutex
	lines []string
	pos   int
	full  bool
}

func newLineRing(size int) *lineRing {
	return &lineRing{lines: make([]string, size)}
}

func (r *lineRing) Add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines[r.pos] = line
	r.pos = (r.pos + 1) % len(r.lines)
	if r.pos == 0 {
		r.full = true
	}
}

// Tail returns up to n most recent lines, oldest first.
func (r *lineRing) Tail(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ordered []string
	if r.full {
		ordered = append(ordered, r.lines[r.pos:]...)
		ordered = append(ordered, r.lines[:r.pos]...)
	} else {
		ordered = append(ordered, r.lines[:r.pos]...)
	}
	if len(ordered) > n {
		ordered = ordered[len(ordered)-n:]
	}
	return ordered
}
