// Package term provides the backing process end of a terminal session:
// a PTY running an allowlisted shell. The Backend interface decouples the
// session relay from the concrete PTY so tests can substitute an
// in-memory collaborator.
package term

import (
	"fmt"
	"io"
)

// ReadBlockSize is the block size used when draining backend output.
const ReadBlockSize = 16 * 1024

// MaxInputMessageSize is the maximum size in bytes for a single terminal
// input message. Larger messages are dropped to bound per-frame memory.
const MaxInputMessageSize = 64 * 1024

// MaxRows and MaxCols bound terminal resize requests. Values beyond
// these are clamped.
const (
	MaxRows uint16 = 500
	MaxCols uint16 = 500
)

// Default terminal geometry applied when the handshake omits it.
const (
	DefaultRows uint16 = 30
	DefaultCols uint16 = 120
)

// Backend is one end of the terminal relay: bytes written to it reach
// the backing process, bytes read from it are rendered output. Done is
// closed when the backing process exits.
type Backend interface {
	io.ReadWriteCloser
	Resize(rows, cols uint16) error
	Done() <-chan struct{}
}

// ClampSize normalizes a requested geometry: zero or negative values
// fall back to the defaults, oversized values are clamped.
func ClampSize(rows, cols int) (uint16, uint16) {
	r, c := DefaultRows, DefaultCols
	if rows > 0 {
		r = uint16(min(rows, int(MaxRows)))
	}
	if cols > 0 {
		c = uint16(min(cols, int(MaxCols)))
	}
	return r, c
}

// AllowedShells is the set of shells permitted for interactive sessions.
var AllowedShells = map[string]bool{
	"/bin/bash": true,
	"/bin/sh":   true,
	"/bin/zsh":  true,
}

// ValidateShell checks the shell command against the allowlist. Empty
// defaults to /bin/bash. "su" and "su - <user>" forms are permitted as
// long as they carry no shell metacharacters.
func ValidateShell(shell string) error {
	if shell == "" || AllowedShells[shell] {
		return nil
	}

	if len(shell) >= 2 && shell[:2] == "su" {
		if len(shell) == 2 || shell[2] == ' ' || shell[2] == '\t' {
			for _, c := range shell {
				switch c {
				case ';', '&', '|', '$', '`', '(', ')', '{', '}', '<', '>', '\n', '\\', '"', '\'', '!':
					return fmt.Errorf("shell command %q contains forbidden character %q", shell, string(c))
				}
			}
			return nil
		}
	}

	return fmt.Errorf("shell %q is not in the allowed list", shell)
}
