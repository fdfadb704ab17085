package runtime

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	// processWaitDelay bounds how long Wait keeps draining output after the
	// process exits, in case a grandchild still holds the pipes.
	processWaitDelay = 2 * time.Second

	maxLineBytes = 256 * 1024
)

// ProcessConfig describes a process to spawn.
type ProcessConfig struct {
	Name string
	Args []string
	Dir  string
	Env  []string

	// Output receives stdout and stderr one line at a time.
	Output func(line string)

	// Exit is called exactly once, after all output has been delivered.
	Exit func(code int)
}

// Process is a running child process.
type Process struct {
	cmd      *exec.Cmd
	done     chan struct{}
	code     int
	killOnce sync.Once
	killErr  error
}

// StartProcess spawns cfg. The process is not tied to any context; stop it
// with Kill.
func StartProcess(cfg ProcessConfig) (*Process, error) {
	output := cfg.Output
	if output == nil {
		output = func(string) {}
	}

	cmd := exec.Command(cfg.Name, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = cfg.Env
	cmd.WaitDelay = processWaitDelay

	stdout := &lineWriter{emit: output}
	stderr := &lineWriter{emit: output}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", cfg.Name, err)
	}

	p := &Process{cmd: cmd, done: make(chan struct{}), code: -1}
	go p.wait(cfg.Exit, stdout, stderr)
	return p, nil
}

func (p *Process) wait(exit func(int), writers ...*lineWriter) {
	err := p.cmd.Wait()
	for _, w := range writers {
		w.flush()
	}

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	p.code = code
	close(p.done)

	if exit != nil {
		exit(code)
	}
}

// Pid returns the operating system process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process exits and returns its exit code. A process
// killed by a signal reports -1.
func (p *Process) Wait() int {
	<-p.done
	return p.code
}

// Kill terminates the process. Only the first call has an effect.
func (p *Process) Kill() error {
	p.killOnce.Do(func() {
		err := p.cmd.Process.Kill()
		if err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.killErr = fmt.Errorf("killing process %d: %w", p.cmd.Process.Pid, err)
		}
	})
	return p.killErr
}

// lineWriter splits written bytes into lines.
type lineWriter struct {
	mu   sync.Mutex
	buf  []byte
	emit func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimSuffix(string(w.buf[:i]), "\r")
		w.buf = append(w.buf[:0], w.buf[i+1:]...)
		w.emit(line)
	}
	if len(w.buf) > maxLineBytes {
		w.emit(string(w.buf))
		w.buf = w.buf[:0]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(string(w.buf))
		w.buf = w.buf[:0]
	}
}
