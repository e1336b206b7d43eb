// Package config loads werm's broker configuration from YAML, falling
// back to built-in defaults when no file is present — the same
// tolerant, best-effort loading the teacher's config packages use.
package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the broker's tunables: where session state lives, the
// default terminal size for new sessions, a socket staleness age, a log
// retention period, and the optional JWT signing key for the serve
// endpoint's bearer-token auth. StaleAfter and LogRetention are loaded
// but read by nothing else: the reaper and the dial path use the fixed
// 300-second staleAfter in package rendezvous, and no code prunes logs.
type Config struct {
	StateDir     string        `yaml:"state_dir"`
	DefaultRows  int           `yaml:"default_rows"`
	DefaultCols  int           `yaml:"default_cols"`
	StaleAfter   time.Duration `yaml:"stale_after"`
	LogRetention time.Duration `yaml:"log_retention"`
	JWTKey       string        `yaml:"jwt_key"`
}

// Defaults mirrors the original C source's hardcoded /tmp paths and
// 300-second staleness heuristic, expressed as named fields instead of
// literals scattered through the code.
func Defaults() Config {
	return Config{
		StateDir:     filepath.Join(os.TempDir(), "werm"),
		DefaultRows:  24,
		DefaultCols:  80,
		StaleAfter:   300 * time.Second,
		LogRetention: 7 * 24 * time.Hour,
	}
}

// Load reads path (YAML) over Defaults(). A missing file is not an
// error — it just means "use the defaults" — matching the teacher's
// config.Load tolerance for an absent config file.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// SocketPath returns the rendezvous socket path for a given termid.
func (c Config) SocketPath(termid string) string {
	return filepath.Join(c.StateDir, "dtach."+termid)
}

// LogPath returns the text-log (suff="") or raw-log (suff=".raw") path
// for a termid, matching the source's opnforlog naming.
func (c Config) LogPath(termid, suff string) string {
	return filepath.Join(c.StateDir, "log."+termid+suff)
}

// passthroughEnv is the allowlist of environment variables exec'd
// shells may inherit; everything else — in particular the CGI/
// websocketd cruft the source strips with ~30 individual unsetenv
// calls — is dropped.
var passthroughEnv = map[string]bool{
	"HOME":     true,
	"PATH":     true,
	"LANG":     true,
	"LC_ALL":   true,
	"USER":     true,
	"LOGNAME":  true,
	"SHELL":    true,
	"TZ":       true,
	"TERM":     true,
}

// SanitizeEnv returns env (in os.Environ "KEY=VALUE" form) filtered to
// the passthrough allowlist plus TERM forced to xterm-256color, the
// allowlist-complement restatement of dtachorshell's unsetenv block.
func SanitizeEnv(env []string) []string {
	out := make([]string, 0, len(env))
	sawTerm := false
	for _, kv := range env {
		k, _, found := cutEnv(kv)
		if !found || !passthroughEnv[k] {
			continue
		}
		if k == "TERM" {
			sawTerm = true
			out = append(out, "TERM=xterm-256color")
			continue
		}
		out = append(out, kv)
	}
	if !sawTerm {
		out = append(out, "TERM=xterm-256color")
	}
	return out
}

func cutEnv(kv string) (key, value string, found bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], true
		}
	}
	return "", "", false
}
