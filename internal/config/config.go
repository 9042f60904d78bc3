package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Settings holds all daemon configuration read from TERMGATE_* environment
// variables.
type Settings struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8044"`

	// Shell is the command started inside the session PTY. It must pass
	// the allowlist in internal/term.
	Shell string `envconfig:"SHELL" default:"/bin/bash"`

	// TransferDir is where uploaded files are stored. Empty means the
	// working directory the session PTY was started in.
	TransferDir string `envconfig:"TRANSFER_DIR" default:""`

	// SessionIdleTimeout is how long a session may go without any inbound
	// frame before it is treated as abandoned and closed. Zero disables
	// the idle ceiling.
	SessionIdleTimeout time.Duration `envconfig:"SESSION_IDLE_TIMEOUT" default:"30m"`

	// CookieName and CookieMaxAge shape the credential-refresh directive
	// pushed over the keepalive side-channel.
	CookieName   string `envconfig:"COOKIE_NAME" default:"termgate-session"`
	CookieMaxAge int    `envconfig:"COOKIE_MAX_AGE" default:"120"`

	// LogPath enables dual logging to stdout and a file when set.
	LogPath string `envconfig:"LOG_PATH" default:""`
}

var Cfg Settings

// Load reads configuration from the environment into Cfg.
func Load() {
	if err := envconfig.Process("TERMGATE", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
