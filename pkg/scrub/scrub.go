package scrub

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/nullroute-io/cloak/pkg/cmdio"
)

// Options names the scrubbing targets. Zero values come from the
// process configuration; tests point them at temp directories.
type Options struct {
	LogFiles     []string
	LogDirs      []string
	Services     []string
	ClientDBDir  string
	ClientDBFile string
	InitScript   string
	RCDir        string
	DryRun       bool
}

// Scrubber erases identifier traces from persistent storage.
type Scrubber struct {
	run    cmdio.Runner
	log    *zap.SugaredLogger
	opts   Options
	dryRun bool

	// mount syscalls are stubbed in tests
	mount   func(source, target, fstype string, flags uintptr, data string) error
	unmount func(target string, flags int) error
	syncfs  func()
}

// New returns a wired Scrubber.
func New(run cmdio.Runner, log *zap.SugaredLogger, opts Options) *Scrubber {
	return &Scrubber{
		run:     run,
		log:     log,
		opts:    opts,
		dryRun:  opts.DryRun,
		mount:   unix.Mount,
		unmount: unix.Unmount,
		syncfs:  unix.Sync,
	}
}

// Report accumulates what a best-effort sweep did and what it could not
// do, so partial failures stay visible without aborting the sweep.
type Report struct {
	Actions []string
	Errors  []string
}

func (r *Report) action(format string, args ...any) {
	r.Actions = append(r.Actions, fmt.Sprintf(format, args...))
}

func (r *Report) failure(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// ScrubKnownLogs sanitizes the fixed list of well-known log and lease
// files. One file failing is recorded and the sweep continues.
func (s *Scrubber) ScrubKnownLogs(ctx context.Context, rep *Report) bool {
	ok := true
	for _, path := range s.opts.LogFiles {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		if err := s.sanitizeFile(ctx, path); err != nil {
			s.log.Errorf("failed to clean %s: %v", path, err)
			rep.failure("sanitize %s: %v", path, err)
			ok = false
			continue
		}
		rep.action("sanitized %s", path)
	}
	return ok
}

// DiscoverAndScrub walks the immediate files of each log directory and
// sanitizes anything log-like. Always best-effort: errors are recorded
// but never fail the sweep.
func (s *Scrubber) DiscoverAndScrub(ctx context.Context, rep *Report) {
	for _, dir := range s.opts.LogDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			if !isLogLike(path) {
				continue
			}
			if err := s.sanitizeFile(ctx, path); err != nil {
				s.log.Errorf("failed to clean %s: %v", path, err)
				rep.failure("sanitize %s: %v", path, err)
				continue
			}
			rep.action("sanitized %s", path)
		}
	}
}

// ClearKernelRingBuffer reads and clears the kernel message buffer,
// discarding the output. Best-effort.
func (s *Scrubber) ClearKernelRingBuffer(ctx context.Context) {
	if s.dryRun {
		s.log.Info("would clear kernel ring buffer")
		return
	}
	s.log.Info("clearing kernel ring buffer")
	s.run.Shell(ctx, "dmesg -c > /dev/null")
}

// RelocateClientDB moves the client database onto memory-backed storage:
// back up to a scratch tmpfs, securely delete the original, remount the
// database directory as tmpfs, and restore only the schema. After this
// the database never touches persistent media again until reboot.
func (s *Scrubber) RelocateClientDB(ctx context.Context) bool {
	if s.dryRun {
		s.log.Info("would relocate client database onto tmpfs")
		return true
	}

	dbDir := s.opts.ClientDBDir
	dbPath := filepath.Join(dbDir, s.opts.ClientDBFile)

	if _, err := os.Stat(dbDir); os.IsNotExist(err) {
		s.log.Warnf("%s does not exist, creating it", dbDir)
		if err := os.MkdirAll(dbDir, 0o755); err != nil {
			s.log.Errorf("cannot create %s: %v", dbDir, err)
			return false
		}
	}

	scratch := filepath.Join(os.TempDir(), "cloak-"+uuid.NewString())
	if err := os.Mkdir(scratch, 0o700); err != nil {
		s.log.Errorf("cannot create scratch dir: %v", err)
		return false
	}
	if err := s.mount("tmpfs", scratch, "tmpfs", 0, ""); err != nil {
		s.log.Errorf("cannot mount scratch tmpfs: %v", err)
		os.Remove(scratch)
		return false
	}
	// The scratch mount must never outlive this call, whatever path
	// exits it.
	defer func() {
		if err := s.unmount(scratch, unix.MNT_DETACH); err != nil {
			s.log.Warnf("scratch unmount failed: %v", err)
		}
		if err := os.Remove(scratch); err != nil {
			s.log.Debugf("scratch remove failed: %v", err)
		}
	}()

	backup := filepath.Join(scratch, s.opts.ClientDBFile)
	hadDB := false
	if _, err := os.Stat(dbPath); err == nil {
		hadDB = true
		if err := copyFile(dbPath, backup); err != nil {
			s.log.Errorf("backing up client database: %v", err)
			return false
		}
		if err := s.SecureDelete(ctx, dbPath); err != nil {
			s.log.Errorf("destroying client database: %v", err)
			return false
		}
	}

	// Detach any tmpfs already covering the directory from a previous
	// run, then put a fresh one in place.
	_ = s.unmount(dbDir, unix.MNT_DETACH)
	if err := s.mount("tmpfs", dbDir, "tmpfs", 0, ""); err != nil {
		s.log.Errorf("cannot mount tmpfs at %s: %v", dbDir, err)
		return false
	}

	if hadDB {
		if err := restoreSchema(backup, dbPath); err != nil {
			s.log.Warnf("schema restore failed, owning service will recreate it: %v", err)
		}
	}

	s.log.Info("client database now lives on RAM-backed storage only")
	return true
}

// RestartServices restarts the logging and client-tracking services so
// they reopen their files post-scrub. A missing service or failed
// restart is recorded and skipped.
func (s *Scrubber) RestartServices(ctx context.Context, rep *Report) {
	if s.dryRun {
		s.log.Info("would restart logging and client-tracking services")
		return
	}
	s.log.Info("restarting related services")
	for _, svc := range s.opts.Services {
		script := "/etc/init.d/" + svc
		if _, err := os.Stat(script); err != nil {
			continue
		}
		if _, code := s.run.Shell(ctx, script+" restart"); code != 0 {
			rep.failure("restart %s", svc)
			continue
		}
		rep.action("restarted %s", svc)
	}
}

// CheckBootPersistence verifies the boot-time security script is
// installed and enabled. A missing or disabled script is a security
// problem the operator must fix, so both cases log at error level with
// the exact remediation; neither aborts the run.
func (s *Scrubber) CheckBootPersistence() bool {
	if _, err := os.Stat(s.opts.InitScript); err != nil {
		s.log.Errorf("boot-time security script %s not found: identifier randomization will NOT persist across reboots", s.opts.InitScript)
		s.log.Error("reinstall the init script to restore boot-time protection")
		return false
	}

	pattern := filepath.Join(s.opts.RCDir, "S*"+filepath.Base(s.opts.InitScript))
	links, err := filepath.Glob(pattern)
	if err != nil || len(links) == 0 {
		s.log.Errorf("boot-time security script exists but is not enabled; run '%s enable' to fix", s.opts.InitScript)
		return false
	}
	return true
}

// FullWipe runs the complete sweep: client database relocation, known
// log sanitization, directory discovery, ring buffer clear, then buffer
// flush, cache drop, service restarts, and the boot persistence check.
// Discovery and the ring buffer are best-effort and never fail the
// aggregate.
func (s *Scrubber) FullWipe(ctx context.Context) (bool, *Report) {
	s.log.Info("starting anti-forensic log and database sweep")
	rep := &Report{}
	ok := true

	if !s.RelocateClientDB(ctx) {
		rep.failure("client database relocation")
		ok = false
	} else {
		rep.action("client database relocated to tmpfs")
	}

	if !s.ScrubKnownLogs(ctx, rep) {
		ok = false
	}

	s.DiscoverAndScrub(ctx, rep)
	s.ClearKernelRingBuffer(ctx)

	if !s.dryRun {
		s.syncfs()
		if err := os.WriteFile("/proc/sys/vm/drop_caches", []byte("1\n"), 0o200); err != nil {
			s.log.Debugf("drop_caches: %v", err)
		}
		s.RestartServices(ctx, rep)
		if !s.CheckBootPersistence() {
			rep.failure("boot persistence not active")
		}
	}

	s.log.Info("log sweep completed")
	return ok, rep
}

func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
