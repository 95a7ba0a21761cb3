// Package collector implements the detached process that owns one service:
// it launches the service, records its output and lifecycle in the registry
// and removes its registry entry when the service ends.
package collector

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"vawter.tech/stopper"

	"github.com/loykin/devpm/internal/history"
	"github.com/loykin/devpm/internal/process"
	"github.com/loykin/devpm/internal/registry"
)

const (
	// DefaultGrace is how long a fresh child may run before it counts as
	// started. A non-zero exit inside the window is a start failure.
	DefaultGrace = 500 * time.Millisecond
	// DefaultDrain bounds reading leftover output after the child exits.
	DefaultDrain = 2 * time.Second
	// DefaultStdinPoll is the mailbox polling interval.
	DefaultStdinPoll = 100 * time.Millisecond
)

// MirrorFunc returns optional writers that receive a copy of every stdout
// and stderr line of a service. Nil writers are skipped.
type MirrorFunc func(service string) (stdout, stderr io.WriteCloser, err error)

// Collector supervises a single child for its whole life.
type Collector struct {
	db        *registry.DB
	history   *history.Fanout
	log       *slog.Logger
	mirror    MirrorFunc
	grace     time.Duration
	drain     time.Duration
	stdinPoll time.Duration
}

type Option func(*Collector)

func WithLogger(l *slog.Logger) Option { return func(c *Collector) { c.log = l } }

// WithHistory forwards lifecycle events to f.
func WithHistory(f *history.Fanout) Option { return func(c *Collector) { c.history = f } }

func WithMirror(m MirrorFunc) Option { return func(c *Collector) { c.mirror = m } }

// WithTimings overrides the grace, drain and stdin polling durations.
// Zero values keep the defaults.
func WithTimings(grace, drain, stdinPoll time.Duration) Option {
	return func(c *Collector) {
		if grace > 0 {
			c.grace = grace
		}
		if drain > 0 {
			c.drain = drain
		}
		if stdinPoll > 0 {
			c.stdinPoll = stdinPoll
		}
	}
}

// New returns a Collector writing to db.
func New(db *registry.DB, opts ...Option) *Collector {
	c := &Collector{
		db:        db,
		log:       slog.Default(),
		grace:     DefaultGrace,
		drain:     DefaultDrain,
		stdinPoll: DefaultStdinPoll,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type stream struct {
	typ    registry.LogType
	r      *os.File
	mirror io.Writer
}

type exitResult struct {
	state *os.ProcessState
	err   error
}

// Run launches d and blocks until the child has exited and its entry is
// removed. A child that fails is recorded as data and is not an error; Run
// returns an error only when supervision itself could not happen.
//
// Cancelling ctx forwards SIGTERM to the child's tree; Run still waits for
// the exit so the lifecycle is recorded.
func (c *Collector) Run(ctx context.Context, d Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	log := c.log.With("service", d.CommandName, "project", d.ProjectDir)
	// Registry writes must survive cancellation of ctx.
	bg := context.WithoutCancel(ctx)

	cmd := process.ShellCommand(context.Background(), d.Shell)
	cmd.Dir = d.WorkDir()
	cmd.Env = append(os.Environ(), d.Env...)

	streams, stdin, closeParent, started, err := c.attach(cmd, d)
	if err == nil && !started {
		err = cmd.Start()
	}
	closeParent()
	if err != nil {
		c.closeStreams(streams, stdin)
		log.Error("spawn failed", "error", err)
		c.lifecycle(bg, d, registry.LogStartFailed, 0, err.Error())
		return fmt.Errorf("spawn %q: %w", d.CommandName, err)
	}
	pid := cmd.Process.Pid
	now := time.Now()
	entryID, err := c.db.CreateProcess(bg, registry.ProcessEntry{
		CommandName:     d.CommandName,
		ProjectDir:      d.ProjectDir,
		PID:             pid,
		LogCollectorPID: os.Getpid(),
		StartTime:       now,
		CreatedAt:       now,
		Shell:           d.Shell,
		Root:            d.Root,
	})
	if err != nil {
		// Without an entry nobody can find or stop the child.
		log.Error("register process failed", "pid", pid, "error", err)
		_, _ = process.KillTree(bg, pid, process.SignalKill)
		_ = cmd.Wait()
		c.closeStreams(streams, stdin)
		c.lifecycle(bg, d, registry.LogStartFailed, pid, err.Error())
		return fmt.Errorf("register process: %w", err)
	}
	log.Info("service spawned", "pid", pid, "dir", cmd.Dir)

	sctx := stopper.WithContext(bg)
	var readers sync.WaitGroup
	for _, s := range streams {
		readers.Add(1)
		sctx.Go(func(*stopper.Context) error {
			defer readers.Done()
			return c.pump(bg, d, s)
		})
	}
	readersDone := make(chan struct{})
	go func() {
		readers.Wait()
		close(readersDone)
	}()

	exited := make(chan exitResult, 1)
	go func() {
		err := cmd.Wait()
		exited <- exitResult{state: cmd.ProcessState, err: err}
	}()

	var res exitResult
	earlyExit := false
	select {
	case res = <-exited:
		earlyExit = true
	case <-time.After(c.grace):
	}

	if earlyExit && !succeeded(res) {
		desc := describeExit(res)
		log.Warn("service failed to start", "pid", pid, "exit", desc)
		c.finish(sctx, streams, stdin, readersDone)
		c.lifecycle(bg, d, registry.LogStartFailed, pid, desc)
		c.removeEntry(bg, log, entryID)
		return nil
	}

	c.lifecycle(bg, d, registry.LogStarted, pid, strconv.Itoa(pid))
	if stdin != nil {
		sctx.Go(func(sctx *stopper.Context) error {
			c.pollStdin(bg, sctx, d, stdin)
			return nil
		})
	}

	if !earlyExit {
		res = c.wait(ctx, log, pid, exited)
	}
	desc := describeExit(res)
	log.Info("service exited", "pid", pid, "exit", desc)
	c.finish(sctx, streams, stdin, readersDone)
	c.lifecycle(bg, d, registry.LogExited, pid, desc)
	c.removeEntry(bg, log, entryID)
	return nil
}

// wait blocks for the child. A cancelled ctx terminates the child's tree
// once and keeps waiting.
func (c *Collector) wait(ctx context.Context, log *slog.Logger, pid int, exited <-chan exitResult) exitResult {
	done := ctx.Done()
	for {
		select {
		case res := <-exited:
			return res
		case <-done:
			done = nil
			log.Info("collector cancelled, terminating service", "pid", pid)
			if _, err := process.KillTree(context.WithoutCancel(ctx), pid, process.SignalTerm); err != nil {
				log.Warn("terminate service", "pid", pid, "error", err)
			}
		}
	}
}

// attach wires the child's stdio. closeParent releases the parent's copies
// of the child's ends and must be called once Start has returned. started
// is true when the pseudo-terminal path already started cmd.
func (c *Collector) attach(cmd *exec.Cmd, d Descriptor) (streams []stream, stdin io.WriteCloser, closeParent func(), started bool, err error) {
	closeParent = func() {}
	outMirror, errMirror := c.mirrors(d.CommandName)

	if d.PTY {
		master, err := startPTY(cmd)
		if err != nil {
			return nil, nil, closeParent, false, err
		}
		streams = []stream{{typ: registry.LogStdout, r: master, mirror: outMirror}}
		if d.EnableStdin {
			// The master is closed with the stream.
			stdin = nopCloseWriter{master}
		}
		return streams, stdin, closeParent, true, nil
	}

	process.Detach(cmd)
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, nil, closeParent, false, err
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return nil, nil, closeParent, false, err
	}
	cmd.Stdout = outW
	cmd.Stderr = errW
	parentEnds := []io.Closer{outW, errW}
	streams = []stream{
		{typ: registry.LogStdout, r: outR, mirror: outMirror},
		{typ: registry.LogStderr, r: errR, mirror: errMirror},
	}
	if d.EnableStdin {
		inR, inW, err := os.Pipe()
		if err != nil {
			for _, f := range []io.Closer{outR, outW, errR, errW} {
				_ = f.Close()
			}
			return nil, nil, closeParent, false, err
		}
		cmd.Stdin = inR
		stdin = inW
		parentEnds = append(parentEnds, inR)
	}
	closeParent = func() {
		for _, f := range parentEnds {
			_ = f.Close()
		}
	}
	return streams, stdin, closeParent, false, nil
}

func (c *Collector) mirrors(service string) (io.Writer, io.Writer) {
	if c.mirror == nil {
		return nil, nil
	}
	out, errw, err := c.mirror(service)
	if err != nil {
		c.log.Warn("service log mirror unavailable", "service", service, "error", err)
		return nil, nil
	}
	var o, e io.Writer
	if out != nil {
		o = out
	}
	if errw != nil {
		e = errw
	}
	return o, e
}

// pump persists one stream line by line. There is no line length limit.
func (c *Collector) pump(ctx context.Context, d Descriptor, s stream) error {
	br := bufio.NewReader(s.r)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			line = strings.TrimSuffix(line, "\n")
			line = strings.TrimSuffix(line, "\r")
			c.appendLine(ctx, d, s, line)
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) || isPTYClosed(err) {
				return nil
			}
			c.log.Warn("read service output", "service", d.CommandName, "stream", s.typ, "error", err)
			return nil
		}
	}
}

func (c *Collector) appendLine(ctx context.Context, d Descriptor, s stream, line string) {
	if _, err := c.db.AppendLog(ctx, registry.LogEvent{
		CommandName: d.CommandName,
		ProjectDir:  d.ProjectDir,
		Type:        s.typ,
		Content:     &line,
	}); err != nil {
		c.log.Warn("persist output line", "service", d.CommandName, "stream", s.typ, "error", err)
	}
	if s.mirror != nil {
		_, _ = io.WriteString(s.mirror, line+"\n")
	}
}

// pollStdin moves mailbox messages to the child's stdin, one at a time,
// until the collector stops.
func (c *Collector) pollStdin(ctx context.Context, sctx *stopper.Context, d Descriptor, w io.Writer) {
	t := time.NewTicker(c.stdinPoll)
	defer t.Stop()
	for {
		for !sctx.IsStopping() {
			msg, ok, err := c.db.PopStdin(ctx, d.ProjectDir, d.CommandName)
			if err != nil {
				c.log.Warn("pop stdin", "service", d.CommandName, "error", err)
				break
			}
			if !ok {
				break
			}
			data, err := decodeStdin(msg)
			if err != nil {
				c.log.Warn("drop stdin message", "service", d.CommandName, "id", msg.ID, "error", err)
				continue
			}
			if _, err := w.Write(data); err != nil {
				c.log.Warn("write stdin", "service", d.CommandName, "error", err)
				return
			}
		}
		select {
		case <-sctx.Stopping():
			return
		case <-t.C:
		}
	}
}

func decodeStdin(m registry.StdinMessage) ([]byte, error) {
	if m.Encoding == registry.EncodingBase64 {
		return base64.StdEncoding.DecodeString(m.Data)
	}
	return []byte(m.Data), nil
}

// finish drains output for at most the drain window, then closes every
// pipe and stops the helper goroutines.
func (c *Collector) finish(sctx *stopper.Context, streams []stream, stdin io.WriteCloser, readersDone <-chan struct{}) {
	if stdin != nil {
		_ = stdin.Close()
	}
	select {
	case <-readersDone:
	case <-time.After(c.drain):
		c.log.Debug("output drain timed out; a descendant may still hold the pipes")
	}
	c.closeStreams(streams, nil)
	sctx.Stop(c.stdinPoll)
	if err := sctx.Wait(); err != nil {
		c.log.Debug("collector goroutines", "error", err)
	}
}

func (c *Collector) closeStreams(streams []stream, stdin io.WriteCloser) {
	for _, s := range streams {
		if s.r != nil {
			_ = s.r.Close()
		}
		if cl, ok := s.mirror.(io.Closer); ok {
			_ = cl.Close()
		}
	}
	if stdin != nil {
		_ = stdin.Close()
	}
}

func (c *Collector) removeEntry(ctx context.Context, log *slog.Logger, id int64) {
	if _, err := c.db.DeleteProcess(ctx, id); err != nil && !errors.Is(err, registry.ErrNotFound) {
		log.Warn("remove process entry", "id", id, "error", err)
	}
}

// lifecycle appends a lifecycle event and forwards it to history sinks.
func (c *Collector) lifecycle(ctx context.Context, d Descriptor, typ registry.LogType, pid int, content string) {
	now := time.Now()
	if _, err := c.db.AppendLog(ctx, registry.LogEvent{
		CommandName: d.CommandName,
		ProjectDir:  d.ProjectDir,
		Type:        typ,
		Content:     &content,
		Timestamp:   now,
	}); err != nil {
		c.log.Error("persist lifecycle event", "service", d.CommandName, "type", typ, "error", err)
	}
	if c.history.Len() == 0 {
		return
	}
	_ = c.history.Send(ctx, history.Event{
		Type:        history.EventType(typ),
		OccurredAt:  now,
		ProjectDir:  d.ProjectDir,
		CommandName: d.CommandName,
		PID:         pid,
		Content:     content,
	})
}

func succeeded(res exitResult) bool {
	return res.state != nil && res.state.Success()
}

// describeExit renders "exited with code N" or "terminated by signal S".
func describeExit(res exitResult) string {
	if res.state == nil {
		if res.err != nil {
			return "wait failed: " + res.err.Error()
		}
		return "exited with code -1"
	}
	if ws, ok := res.state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return "terminated by signal " + ws.Signal().String()
	}
	return fmt.Sprintf("exited with code %d", res.state.ExitCode())
}

type nopCloseWriter struct{ io.Writer }

func (nopCloseWriter) Close() error { return nil }
