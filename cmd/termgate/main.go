// Command termgate attaches the local terminal to a termgated session.
//
// Ctrl-] opens a local prompt for uploading a file into the remote
// session (or quitting); everything else is relayed verbatim.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/termgate/termgate/internal/client"
	"github.com/termgate/termgate/internal/logging"
)

// escapeKey is Ctrl-], the sequence that drops into the local prompt.
const escapeKey = 0x1d

func main() {
	url := flag.String("url", "ws://127.0.0.1:8044/terminal/ws", "terminal channel endpoint")
	cookieInterval := flag.Int("cookie-interval", 60, "seconds between keepalive cookie refreshes (0 disables)")
	logPath := flag.String("log", "", "append client logs to this file")
	flag.Parse()

	if err := run(*url, *cookieInterval, *logPath); err != nil {
		fmt.Fprintf(os.Stderr, "termgate: %v\n", err)
		os.Exit(1)
	}
}

func run(url string, cookieInterval int, logPath string) error {
	logger, err := logging.New(logPath)
	if err != nil {
		return err
	}
	if logPath == "" {
		logger = logging.Nop()
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return fmt.Errorf("stdin is not a terminal")
	}
	cols, rows, err := term.GetSize(fd)
	if err != nil {
		return fmt.Errorf("query terminal size: %w", err)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess, err := client.Dial(ctx, url, client.Options{
		Rows:              rows,
		Cols:              cols,
		SetCookieInterval: cookieInterval,
		HTTPClient:        &http.Client{Jar: jar},
		Output:            os.Stdout,
		Log:               logger,
	})
	if err != nil {
		return err
	}
	defer sess.Close()

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	go func() {
		sess.Run(ctx)
		cancel()
	}()

	// Local geometry changes follow the window, no acknowledgment.
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	go func() {
		for range winch {
			if c, r, err := term.GetSize(fd); err == nil {
				sess.Resize(r, c)
			}
		}
	}()
	defer signal.Stop(winch)

	return inputLoop(ctx, sess)
}

// inputLoop relays stdin to the session byte-for-byte, intercepting only
// the escape key.
func inputLoop(ctx context.Context, sess *client.Session) error {
	buf := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			return nil
		}
		data := buf[:n]

		for {
			i := bytes.IndexByte(data, escapeKey)
			if i < 0 {
				break
			}
			if len(data[:i]) > 0 {
				if _, err := sess.Write(data[:i]); err != nil {
					return nil
				}
			}
			quit, err := prompt(sess)
			if err != nil || quit {
				return err
			}
			data = data[i+1:]
		}

		if len(data) > 0 {
			if _, err := sess.Write(data); err != nil {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

// prompt reads a file path on the local side and starts the upload. An
// empty line resumes the session; "q" quits.
func prompt(sess *client.Session) (quit bool, err error) {
	fmt.Print("\r\n(termgate) upload path, or q: ")
	line, err := readLine()
	if err != nil {
		return false, err
	}
	fmt.Print("\r\n")
	switch line {
	case "":
		return false, nil
	case "q":
		return true, nil
	}
	if _, err := sess.Upload(line); err != nil {
		fmt.Printf("upload failed: %v\r\n", err)
	}
	return false, nil
}

// readLine collects a line of input in raw mode, echoing and handling
// backspace.
func readLine() (string, error) {
	var line []byte
	buf := make([]byte, 1)
	for {
		if _, err := os.Stdin.Read(buf); err != nil {
			return "", err
		}
		switch b := buf[0]; b {
		case '\r', '\n':
			return string(line), nil
		case 0x7f, '\b':
			if len(line) > 0 {
				line = line[:len(line)-1]
				fmt.Print("\b \b")
			}
		case 0x03, escapeKey: // Ctrl-C or a second Ctrl-] aborts the prompt
			return "", nil
		default:
			line = append(line, b)
			fmt.Print(string(buf))
		}
	}
}
