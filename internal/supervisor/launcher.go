package supervisor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Spec describes one process launch.
type Spec struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

// Process is a started child.
type Process interface {
	Pid() int
	// Wait blocks until exit and returns the exit code.
	Wait() (int, error)
	Kill() error
}

// Started is a running child plus the read ends of its output pipes.
type Started struct {
	Process Process
	Stdout  io.ReadCloser
	Stderr  io.ReadCloser
}

// ProcessLauncher starts the engine process.
type ProcessLauncher interface {
	Launch(spec Spec) (Started, error)
}

// ExecLauncher starts children with os/exec. Output goes through plain pipes so exit
// detection never waits on descendants that inherited them.
type ExecLauncher struct{}

func (ExecLauncher) Launch(spec Spec) (Started, error) {
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return Started{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return Started{}, fmt.Errorf("stderr pipe: %w", err)
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Env = spec.Env
	cmd.Dir = spec.Dir
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	cmd.SysProcAttr = sysProcAttr()

	err = cmd.Start()
	_ = stdoutW.Close()
	_ = stderrW.Close()
	if err != nil {
		_ = stdoutR.Close()
		_ = stderrR.Close()
		return Started{}, fmt.Errorf("start %s: %w", spec.Path, err)
	}
	return Started{Process: &execProcess{cmd: cmd}, Stdout: stdoutR, Stderr: stderrR}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return -1, err
	}
	return p.cmd.ProcessState.ExitCode(), nil
}

func (p *execProcess) Kill() error {
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
