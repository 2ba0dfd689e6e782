package scrub

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
)

// SecureDelete destroys path beyond casual recovery. The shred utility
// is preferred (single zero-fill pass plus unlink); without it the file
// is overwritten three times (zeros, random, zeros), flushed to media
// after each pass, then unlinked. A missing file counts as success.
func (s *Scrubber) SecureDelete(ctx context.Context, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	s.log.Infof("securely deleting %s", path)

	if _, code := s.run.Shell(ctx, "shred --force --zero --remove "+path); code == 0 {
		return nil
	}
	s.log.Debug("shred unavailable or failed, overwriting manually")

	return overwriteAndRemove(path)
}

func overwriteAndRemove(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("scrub: stat %s: %w", path, err)
	}
	size := info.Size()
	if size == 0 {
		return os.Remove(path)
	}

	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("scrub: open %s for overwrite: %w", path, err)
	}

	buf := make([]byte, 4096)
	for pass, random := range []bool{false, true, false} {
		if _, err := f.Seek(0, 0); err != nil {
			f.Close()
			return fmt.Errorf("scrub: seek on pass %d: %w", pass, err)
		}

		remaining := size
		for remaining > 0 {
			n := int64(len(buf))
			if remaining < n {
				n = remaining
			}
			if random {
				if _, err := rand.Read(buf[:n]); err != nil {
					f.Close()
					return fmt.Errorf("scrub: random source: %w", err)
				}
			} else {
				for i := int64(0); i < n; i++ {
					buf[i] = 0
				}
			}
			written, err := f.Write(buf[:n])
			if err != nil {
				f.Close()
				return fmt.Errorf("scrub: overwrite pass %d: %w", pass, err)
			}
			remaining -= int64(written)
		}

		// Each pass must reach the media before the next starts.
		if err := f.Sync(); err != nil {
			f.Close()
			return fmt.Errorf("scrub: sync pass %d: %w", pass, err)
		}
	}
	f.Close()

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("scrub: remove %s: %w", path, err)
	}
	return nil
}
