//go:build linux || darwin

package term

import (
	"os"
	"strings"
	"testing"
	"time"
)

func requireShell(t *testing.T, shell string) {
	t.Helper()
	if _, err := os.Stat(shell); err != nil {
		t.Skipf("%s not available", shell)
	}
}

func TestStartPTYRejectsBadShell(t *testing.T) {
	if _, err := StartPTY("/usr/bin/python3", 24, 80, ""); err == nil {
		t.Fatal("disallowed shell started")
	}
}

func TestPTYRunsShell(t *testing.T) {
	requireShell(t, "/bin/sh")
	dir := t.TempDir()

	p, err := StartPTY("/bin/sh", 24, 80, dir)
	if err != nil {
		t.Fatalf("StartPTY: %v", err)
	}
	defer p.Close()

	if p.Dir() != dir {
		t.Fatalf("Dir = %q, want %q", p.Dir(), dir)
	}
	if err := p.Resize(40, 100); err != nil {
		t.Fatalf("Resize: %v", err)
	}

	if _, err := p.Write([]byte("echo term_ok_$((20+22))\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	var out strings.Builder
	buf := make([]byte, ReadBlockSize)
	for time.Now().Before(deadline) {
		n, err := p.Read(buf)
		if n > 0 {
			out.WriteString(string(buf[:n]))
		}
		if strings.Contains(out.String(), "term_ok_42") {
			break
		}
		if err != nil {
			break
		}
	}
	if !strings.Contains(out.String(), "term_ok_42") {
		t.Fatalf("shell output %q missing marker", out.String())
	}

	if _, err := p.Write([]byte("exit\n")); err != nil {
		t.Fatalf("Write exit: %v", err)
	}
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("shell never exited")
	}
}
