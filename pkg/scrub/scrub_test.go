package scrub

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nullroute-io/cloak/pkg/cmdio"
)

// noShred makes SecureDelete take the manual overwrite path, which works
// on plain temp files.
func noShred() *cmdio.Fake {
	return &cmdio.Fake{ShellFn: func(string) (string, int) { return "shred: not found", 127 }}
}

func newScrubber(fake *cmdio.Fake, opts Options) *Scrubber {
	s := New(fake, zap.NewNop().Sugar(), opts)
	// tests run unprivileged: mounts become no-ops over plain directories
	s.mount = func(string, string, string, uintptr, string) error { return nil }
	s.unmount = func(string, int) error { return nil }
	s.syncfs = func() {}
	return s
}

func TestSecureDelete(t *testing.T) {
	ctx := context.Background()

	t.Run("missing file is success", func(t *testing.T) {
		s := newScrubber(noShred(), Options{})
		assert.NoError(t, s.SecureDelete(ctx, filepath.Join(t.TempDir(), "gone")))
	})

	t.Run("overwrite fallback removes the file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "secret.db")
		require.NoError(t, os.WriteFile(path, []byte("client 00:11:22:33:44:55"), 0o600))

		s := newScrubber(noShred(), Options{})
		require.NoError(t, s.SecureDelete(ctx, path))

		_, err := os.Stat(path)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("empty file is simply removed", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "empty")
		require.NoError(t, os.WriteFile(path, nil, 0o600))
		s := newScrubber(noShred(), Options{})
		require.NoError(t, s.SecureDelete(ctx, path))
		_, err := os.Stat(path)
		assert.True(t, os.IsNotExist(err))
	})
}

func TestScrubKnownLogs(t *testing.T) {
	ctx := context.Background()

	t.Run("rewrites file in place with MACs redacted", func(t *testing.T) {
		dir := t.TempDir()
		logPath := filepath.Join(dir, "syslog")
		require.NoError(t, os.WriteFile(logPath,
			[]byte("Client 00:1A:2B:3C:4D:5E connected\nboring line\n"), 0o640))

		s := newScrubber(noShred(), Options{LogFiles: []string{logPath}})
		rep := &Report{}
		require.True(t, s.ScrubKnownLogs(ctx, rep))

		content, err := os.ReadFile(logPath)
		require.NoError(t, err)
		assert.Equal(t, "Client XX:XX:XX:XX:XX:XX connected\nboring line\n", string(content))

		info, err := os.Stat(logPath)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())
		assert.Len(t, rep.Actions, 1)
	})

	t.Run("missing files are skipped silently", func(t *testing.T) {
		s := newScrubber(noShred(), Options{LogFiles: []string{"/nonexistent/made-up.log"}})
		assert.True(t, s.ScrubKnownLogs(ctx, &Report{}))
	})

	t.Run("second pass changes nothing", func(t *testing.T) {
		dir := t.TempDir()
		logPath := filepath.Join(dir, "wifi.log")
		require.NoError(t, os.WriteFile(logPath,
			[]byte("assoc 02:aa:bb:cc:dd:ee\n"), 0o644))

		s := newScrubber(noShred(), Options{LogFiles: []string{logPath}})
		require.True(t, s.ScrubKnownLogs(ctx, &Report{}))
		first, err := os.ReadFile(logPath)
		require.NoError(t, err)

		require.True(t, s.ScrubKnownLogs(ctx, &Report{}))
		second, err := os.ReadFile(logPath)
		require.NoError(t, err)
		assert.Equal(t, string(first), string(second))
	})
}

func TestDiscoverAndScrub(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "dnsmasq.log")
	binPath := filepath.Join(dir, "image.dat")
	require.NoError(t, os.WriteFile(logPath, []byte("lease 00:11:22:33:44:55\n"), 0o644))
	require.NoError(t, os.WriteFile(binPath, []byte("nothing interesting\n"), 0o644))

	s := newScrubber(noShred(), Options{LogDirs: []string{dir}})
	rep := &Report{}
	s.DiscoverAndScrub(context.Background(), rep)

	cleaned, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, "lease XX:XX:XX:XX:XX:XX\n", string(cleaned))

	untouched, err := os.ReadFile(binPath)
	require.NoError(t, err)
	assert.Equal(t, "nothing interesting\n", string(untouched))
}

func TestRelocateClientDB(t *testing.T) {
	ctx := context.Background()

	t.Run("database structure survives, rows do not", func(t *testing.T) {
		dbDir := t.TempDir()
		dbPath := filepath.Join(dbDir, "client.db")

		seed, err := sqlx.Connect("sqlite", dbPath)
		require.NoError(t, err)
		_, err = seed.Exec(`CREATE TABLE client (mac TEXT PRIMARY KEY, hostname TEXT, last_seen INTEGER)`)
		require.NoError(t, err)
		_, err = seed.Exec(`INSERT INTO client VALUES ('00:11:22:33:44:55', 'phone', 1700000000)`)
		require.NoError(t, err)
		require.NoError(t, seed.Close())

		s := newScrubber(noShred(), Options{ClientDBDir: dbDir, ClientDBFile: "client.db"})
		require.True(t, s.RelocateClientDB(ctx))

		restored, err := sqlx.Connect("sqlite", dbPath)
		require.NoError(t, err)
		defer restored.Close()

		var tables []string
		require.NoError(t, restored.Select(&tables,
			`SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'`))
		assert.Equal(t, []string{"client"}, tables)

		var rows int
		require.NoError(t, restored.Get(&rows, `SELECT COUNT(*) FROM client`))
		assert.Zero(t, rows, "client records must not survive relocation")
	})

	t.Run("missing database still remounts the directory", func(t *testing.T) {
		dbDir := t.TempDir()
		mounted := false
		s := newScrubber(noShred(), Options{ClientDBDir: dbDir, ClientDBFile: "client.db"})
		s.mount = func(_, target, _ string, _ uintptr, _ string) error {
			if target == dbDir {
				mounted = true
			}
			return nil
		}
		require.True(t, s.RelocateClientDB(ctx))
		assert.True(t, mounted)
	})

	t.Run("scratch mount is released on mount failure", func(t *testing.T) {
		dbDir := t.TempDir()
		var unmounts []string
		s := newScrubber(noShred(), Options{ClientDBDir: dbDir, ClientDBFile: "client.db"})
		s.mount = func(_, target, _ string, _ uintptr, _ string) error {
			if target == dbDir {
				return os.ErrPermission
			}
			return nil
		}
		s.unmount = func(target string, _ int) error {
			unmounts = append(unmounts, target)
			return nil
		}
		require.False(t, s.RelocateClientDB(ctx))
		require.NotEmpty(t, unmounts)
		assert.Contains(t, unmounts[len(unmounts)-1], "cloak-", "scratch tmpfs must be detached")
	})

	t.Run("dry run touches nothing", func(t *testing.T) {
		dbDir := t.TempDir()
		dbPath := filepath.Join(dbDir, "client.db")
		require.NoError(t, os.WriteFile(dbPath, []byte("data"), 0o644))

		s := newScrubber(noShred(), Options{ClientDBDir: dbDir, ClientDBFile: "client.db", DryRun: true})
		require.True(t, s.RelocateClientDB(ctx))

		content, err := os.ReadFile(dbPath)
		require.NoError(t, err)
		assert.Equal(t, "data", string(content))
	})
}

func TestRestoreSchema(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "backup.db")
	dst := filepath.Join(dir, "fresh.db")

	db, err := sqlx.Connect("sqlite", src)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE client (mac TEXT, hostname TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE INDEX idx_client_mac ON client(mac)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO client VALUES ('02:00:00:00:00:01', 'laptop')`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	require.NoError(t, restoreSchema(src, dst))

	fresh, err := sqlx.Connect("sqlite", dst)
	require.NoError(t, err)
	defer fresh.Close()

	var count int
	require.NoError(t, fresh.Get(&count, `SELECT COUNT(*) FROM client`))
	assert.Zero(t, count)

	var indexes []string
	require.NoError(t, fresh.Select(&indexes,
		`SELECT name FROM sqlite_master WHERE type='index' AND name NOT LIKE 'sqlite_%'`))
	assert.Contains(t, indexes, "idx_client_mac")
}

func TestCheckBootPersistence(t *testing.T) {
	t.Run("missing script", func(t *testing.T) {
		dir := t.TempDir()
		s := newScrubber(&cmdio.Fake{}, Options{
			InitScript: filepath.Join(dir, "gl-mac-security"),
			RCDir:      dir,
		})
		assert.False(t, s.CheckBootPersistence())
	})

	t.Run("present but not enabled", func(t *testing.T) {
		dir := t.TempDir()
		script := filepath.Join(dir, "gl-mac-security")
		require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\n"), 0o755))
		s := newScrubber(&cmdio.Fake{}, Options{InitScript: script, RCDir: t.TempDir()})
		assert.False(t, s.CheckBootPersistence())
	})

	t.Run("installed and enabled", func(t *testing.T) {
		initDir := t.TempDir()
		rcDir := t.TempDir()
		script := filepath.Join(initDir, "gl-mac-security")
		require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\n"), 0o755))
		require.NoError(t, os.Symlink(script, filepath.Join(rcDir, "S99gl-mac-security")))

		s := newScrubber(&cmdio.Fake{}, Options{InitScript: script, RCDir: rcDir})
		assert.True(t, s.CheckBootPersistence())
	})
}

func TestFullWipeDryRun(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "messages")
	require.NoError(t, os.WriteFile(logPath, []byte("Client 00:1A:2B:3C:4D:5E connected\n"), 0o644))

	fake := &cmdio.Fake{}
	s := newScrubber(fake, Options{
		LogFiles:     []string{logPath},
		LogDirs:      []string{dir},
		ClientDBDir:  dir,
		ClientDBFile: "client.db",
		DryRun:       true,
	})

	ok, _ := s.FullWipe(context.Background())
	assert.True(t, ok)

	// Dry run must leave files untouched and issue no commands at all.
	content, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Equal(t, "Client 00:1A:2B:3C:4D:5E connected\n", string(content))
	assert.Empty(t, fake.Calls())
}

func TestFullWipeAggregatesFailures(t *testing.T) {
	dir := t.TempDir()
	s := newScrubber(noShred(), Options{
		ClientDBDir:  dir,
		ClientDBFile: "client.db",
		InitScript:   filepath.Join(dir, "gl-mac-security"),
		RCDir:        dir,
	})
	// Force relocation failure by making the directory mount fail.
	s.mount = func(string, string, string, uintptr, string) error { return os.ErrPermission }

	ok, rep := s.FullWipe(context.Background())
	assert.False(t, ok)
	assert.NotEmpty(t, rep.Errors)
}
