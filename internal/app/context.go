// Package app resolves CLI-side workspace context, most importantly which
// session a command targets when no --session flag is given.
package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"flowline/internal/repo"
)

const sessionEnvKey = "FLOWLINE_SESSION"

func envPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".flowline", ".env")
}

// ResolveSessionID picks the target session. Precedence: explicit override,
// the workspace's pinned session, then the single live session if exactly
// one exists.
func ResolveSessionID(ctx context.Context, workspace, override string, r repo.Repo) (string, error) {
	if override != "" {
		return override, nil
	}
	if pinned := getEnvValue(envPath(workspace), sessionEnvKey); pinned != "" {
		if _, err := r.GetSession(ctx, pinned); err == nil {
			return pinned, nil
		}
		// stale pin, fall through to the single-session heuristic
	}
	s, err := r.SingleActiveSession(ctx)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", fmt.Errorf("no live session; start one or specify --session")
		}
		return "", err
	}
	return s.ID, nil
}

// SetCurrentSession pins a session id for the workspace. An empty id clears
// the pin.
func SetCurrentSession(workspace, sessionID string) error {
	return setEnvValue(envPath(workspace), sessionEnvKey, sessionID)
}

// CurrentSession returns the pinned session id, if any.
func CurrentSession(workspace string) string {
	return getEnvValue(envPath(workspace), sessionEnvKey)
}

func getEnvValue(path, key string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, key+"=") {
			return strings.TrimPrefix(line, key+"=")
		}
	}
	return ""
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
