// proc.go wraps one sandbox OS process with its pipes and exit state.
package pool

import (
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Proc is a live sandbox process. Exactly one owner at a time: the
// pool while the slot is idle, the acquiring dispatch afterwards.
type Proc struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	done    chan struct{}
	exitErr error

	mu         sync.Mutex
	terminated bool
}

// StartProc starts the command with stdin/stdout pipes attached and a
// waiter goroutine that records the exit outcome.
func StartProc(cmd *exec.Cmd) (*Proc, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %q: %w", cmd.Path, err)
	}

	p := &Proc{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		done:   make(chan struct{}),
	}

	go func() {
		p.exitErr = cmd.Wait()
		close(p.done)
	}()

	return p, nil
}

// Stdin returns the process's input stream.
func (p *Proc) Stdin() io.WriteCloser { return p.stdin }

// Stdout returns the process's output stream.
func (p *Proc) Stdout() io.ReadCloser { return p.stdout }

// Pid returns the OS process id.
func (p *Proc) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Done is closed when the process has exited.
func (p *Proc) Done() <-chan struct{} { return p.done }

// Alive reports whether the process has not yet exited.
func (p *Proc) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// ExitErr returns the Wait outcome. Only meaningful after Done.
func (p *Proc) ExitErr() error {
	select {
	case <-p.done:
		return p.exitErr
	default:
		return nil
	}
}

// ExitCode returns the process exit code, or -1 if it was killed or
// has not exited.
func (p *Proc) ExitCode() int {
	select {
	case <-p.done:
	default:
		return -1
	}
	if p.exitErr == nil {
		return 0
	}
	if exitErr, ok := p.exitErr.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

// Terminate stops the process: close stdin, send SIGTERM, and after
// the grace period escalate to SIGKILL. Blocks until exit. Safe to
// call more than once.
func (p *Proc) Terminate(grace time.Duration) {
	p.mu.Lock()
	already := p.terminated
	p.terminated = true
	p.mu.Unlock()

	if already || !p.Alive() {
		<-p.done
		return
	}

	p.stdin.Close()
	if p.cmd.Process != nil {
		p.cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-p.done:
		return
	case <-time.After(grace):
	}

	if p.cmd.Process != nil {
		p.cmd.Process.Kill()
	}
	<-p.done
}
