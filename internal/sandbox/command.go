package sandbox

import (
	"crypto/rand"
	"encoding/hex"
	"path"
	"strings"
)

// composeScript builds the shell line run inside the container:
// cd <dir> && [install &&] <command>.
func composeScript(dir, install, command string) string {
	parts := []string{"cd " + shellQuote(dir)}
	if install != "" {
		parts = append(parts, install)
	}
	parts = append(parts, command)
	return strings.Join(parts, " && ")
}

// manifestContent renders one package per line, preserving order.
func manifestContent(deps []string) string {
	var b strings.Builder
	for _, d := range deps {
		d = strings.TrimSpace(d)
		if d == "" {
			continue
		}
		b.WriteString(d)
		b.WriteByte('\n')
	}
	return b.String()
}

// workspaceRelative returns dir relative to the mount point, or false when dir
// lies outside it. Both are container paths.
func workspaceRelative(mount, dir string) (string, bool) {
	mount = path.Clean(mount)
	dir = path.Clean(dir)
	if dir == mount {
		return ".", true
	}
	prefix := mount
	if prefix != "/" {
		prefix += "/"
	}
	if !strings.HasPrefix(dir, prefix) {
		return "", false
	}
	return strings.TrimPrefix(dir, prefix), true
}

// shellQuote wraps s in single quotes for POSIX sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// generateContainerName returns a unique container name: runbox-exec-<16 hex chars>.
func generateContainerName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "runbox-exec-" + hex.EncodeToString(b), nil
}
