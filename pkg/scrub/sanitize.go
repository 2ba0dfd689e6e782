package scrub

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// macPattern matches colon- or hyphen-delimited MAC addresses. The
// redaction token contains no hex digits, so sanitizing already-redacted
// content is a no-op.
var macPattern = regexp.MustCompile(`([0-9A-Fa-f]{2}[:-]){5}[0-9A-Fa-f]{2}`)

const redactionToken = "XX:XX:XX:XX:XX:XX"

// logExtensions marks files that are log-like regardless of content.
var logExtensions = []string{".log", ".txt", ".leases", ".db", ".sqlite", ".json"}

const (
	maxSniffSize  = 10 * 1024 * 1024 // skip content sniffing above this
	sniffLineCap  = 100
	maxLineLength = 1024 * 1024
)

// SanitizeContent replaces every MAC-address-shaped substring with the
// redaction token.
func SanitizeContent(s string) string {
	return macPattern.ReplaceAllString(s, redactionToken)
}

// sanitizeFile rewrites path with all MAC addresses redacted: the
// sanitized copy is written next to the original, the original is
// securely deleted, and the copy renamed into place with the original's
// permissions.
func (s *Scrubber) sanitizeFile(ctx context.Context, path string) error {
	if s.dryRun {
		s.log.Infof("would clean MAC addresses from %s", path)
		return nil
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("scrub: stat %s: %w", path, err)
	}

	s.log.Infof("cleaning MAC addresses from %s", path)

	in, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("scrub: open %s: %w", path, err)
	}

	tmp := path + ".new"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		in.Close()
		return fmt.Errorf("scrub: create %s: %w", tmp, err)
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), maxLineLength)
	w := bufio.NewWriter(out)
	for scanner.Scan() {
		if _, err := w.WriteString(SanitizeContent(scanner.Text()) + "\n"); err != nil {
			in.Close()
			out.Close()
			os.Remove(tmp)
			return fmt.Errorf("scrub: write %s: %w", tmp, err)
		}
	}
	scanErr := scanner.Err()
	in.Close()
	if err := w.Flush(); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("scrub: flush %s: %w", tmp, err)
	}
	out.Close()
	if scanErr != nil {
		os.Remove(tmp)
		return fmt.Errorf("scrub: read %s: %w", path, scanErr)
	}

	if err := s.SecureDelete(ctx, path); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("scrub: rename %s: %w", tmp, err)
	}
	return nil
}

// isLogLike classifies a file as worth sanitizing: a known extension,
// or a MAC address within the first hundred lines of a file under the
// size ceiling.
func isLogLike(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range logExtensions {
		if ext == e {
			return true
		}
	}

	info, err := os.Stat(path)
	if err != nil || info.Size() > maxSniffSize {
		return false
	}

	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineLength)
	for i := 0; i < sniffLineCap && scanner.Scan(); i++ {
		if macPattern.MatchString(scanner.Text()) {
			return true
		}
	}
	return false
}
