// Package security keeps user-supplied output paths inside the directories
// the service is allowed to write.
package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrPathEscape is returned for paths that resolve outside their directory.
var ErrPathEscape = errors.New("path escapes output directory")

// canonical returns the absolute form of p with symlinks resolved in the
// longest prefix that exists. Components that do not exist yet are kept
// as written, so /out/link/new.csv with link -> /etc resolves to
// /etc/new.csv.
func canonical(p string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(p))
	if err != nil {
		return "", fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	rest := ""
	for dir := abs; ; dir = filepath.Dir(dir) {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(resolved, rest), nil
		}
		if parent := filepath.Dir(dir); parent == dir {
			return abs, nil
		}
		rest = filepath.Join(filepath.Base(dir), rest)
	}
}

// ValidatePathWithinDirectory reports whether filePath stays inside dir
// once ".." components and symlinks are resolved. Neither needs to exist.
func ValidatePathWithinDirectory(filePath, dir string) error {
	canonicalPath, err := canonical(filePath)
	if err != nil {
		return err
	}
	canonicalDir, err := canonical(dir)
	if err != nil {
		return err
	}

	rel, err := filepath.Rel(canonicalDir, canonicalPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPathEscape, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("%w: %s is outside %s", ErrPathEscape, filePath, dir)
	}
	return nil
}

// SanitizeFilename makes a safe filename from an arbitrary string. It replaces
// any characters that are not ASCII letters, digits, dot, underscore or dash
// with an underscore, collapses repeats and trims the result to 128 bytes.
func SanitizeFilename(s string) string {
	const maxLen = 128
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'),
			r == '.' || r == '_' || r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	// Trim leading/trailing underscores or dots
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}

// RecordingPath maps a client-chosen name such as "series1/45" to a file
// under dir. Each path element is sanitized, ".csv" is appended unless
// already present, and the result must stay inside dir.
func RecordingPath(dir, name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("recording name is empty")
	}
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: %s is absolute", ErrPathEscape, name)
	}

	var parts []string
	for _, elem := range strings.FieldsFunc(filepath.ToSlash(name), func(r rune) bool { return r == '/' }) {
		if elem == ".." {
			return "", fmt.Errorf("%w: %s", ErrPathEscape, name)
		}
		if elem == "." {
			continue
		}
		parts = append(parts, SanitizeFilename(elem))
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("recording name %q has no file component", name)
	}
	if last := parts[len(parts)-1]; !strings.EqualFold(filepath.Ext(last), ".csv") {
		parts[len(parts)-1] = last + ".csv"
	}

	path := filepath.Join(append([]string{dir}, parts...)...)
	if err := ValidatePathWithinDirectory(path, dir); err != nil {
		return "", err
	}
	return path, nil
}
