package term

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/creack/pty"
)

// PTY is a Backend backed by a real pseudo-terminal running a shell.
type PTY struct {
	cmd  *exec.Cmd
	ptmx *os.File

	done      chan struct{}
	closeOnce sync.Once
}

// StartPTY allocates a PTY running the given shell with the given
// geometry. If dir is empty the process starts in the daemon user's home
// directory. The shell must pass ValidateShell.
func StartPTY(shell string, rows, cols uint16, dir string) (*PTY, error) {
	if err := ValidateShell(shell); err != nil {
		return nil, fmt.Errorf("validate shell: %w", err)
	}
	if shell == "" {
		shell = "/bin/bash"
	}
	if dir == "" {
		dir, _ = os.UserHomeDir()
	}

	parts := strings.Fields(shell)
	cmd := exec.Command(parts[0], parts[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	p := &PTY{cmd: cmd, ptmx: ptmx, done: make(chan struct{})}
	go func() {
		cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// Dir returns the directory the shell was started in.
func (p *PTY) Dir() string { return p.cmd.Dir }

func (p *PTY) Read(b []byte) (int, error)  { return p.ptmx.Read(b) }
func (p *PTY) Write(b []byte) (int, error) { return p.ptmx.Write(b) }

// Resize changes the PTY geometry.
func (p *PTY) Resize(rows, cols uint16) error {
	return pty.Setsize(p.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// Done is closed when the shell process exits.
func (p *PTY) Done() <-chan struct{} { return p.done }

// Close releases the PTY and terminates the shell if it is still running.
func (p *PTY) Close() error {
	p.closeOnce.Do(func() {
		p.ptmx.Close()
		if p.cmd.Process != nil {
			p.cmd.Process.Kill()
		}
	})
	return nil
}
