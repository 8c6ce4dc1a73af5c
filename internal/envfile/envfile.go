// Package envfile applies bash-style environment files to the process
// environment.
package envfile

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrNotFound reports that an env file could not be located.
var ErrNotFound = errors.New("envfile: not found")

// Load sources name through bash and copies every variable it set or changed
// into the current process. Relative names are tried against the working
// directory first and then against the enclosing module root. The applied
// keys are returned in no particular order.
func Load(name string) ([]string, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("envfile: name required")
	}
	path, err := Resolve(name)
	if err != nil {
		return nil, err
	}
	cmd := exec.Command("bash", "-c", "set -a; source \"$1\"; env -0", "bash", path)
	cmd.Env = os.Environ()
	cmd.Dir = filepath.Dir(path)
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("envfile: source %s: %w: %s", path, err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("envfile: source %s: %w", path, err)
	}
	before := envMap(os.Environ())
	var applied []string
	for key, val := range parseOutput(out) {
		if ignoreKey(key) {
			continue
		}
		if prev, ok := before[key]; ok && prev == val {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return applied, fmt.Errorf("envfile: setenv %s: %w", key, err)
		}
		applied = append(applied, key)
	}
	return applied, nil
}

// Resolve returns the absolute path of name.
func Resolve(name string) (string, error) {
	if fileExists(name) {
		if abs, err := filepath.Abs(name); err == nil {
			return abs, nil
		}
		return name, nil
	}
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	for dir := cwd; ; {
		if fileExists(filepath.Join(dir, "go.mod")) {
			candidate := filepath.Join(dir, name)
			if fileExists(candidate) {
				return candidate, nil
			}
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, name)
}

func envMap(env []string) map[string]string {
	out := make(map[string]string, len(env))
	for _, entry := range env {
		if idx := strings.Index(entry, "="); idx > 0 {
			out[entry[:idx]] = entry[idx+1:]
		}
	}
	return out
}

func parseOutput(out []byte) map[string]string {
	res := map[string]string{}
	for _, entry := range bytes.Split(out, []byte{0}) {
		if idx := bytes.IndexByte(entry, '='); idx > 0 {
			res[string(entry[:idx])] = string(entry[idx+1:])
		}
	}
	return res
}

func ignoreKey(key string) bool {
	switch key {
	case "PWD", "OLDPWD", "SHLVL", "_", "SHELLOPTS", "BASHOPTS", "PS1", "PS2", "PS4", "PROMPT_COMMAND", "TERM", "COLORTERM":
		return true
	}
	return strings.HasPrefix(key, "BASH_")
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
