// Package netconf mutates the router's network identity through the UCI
// configuration store: WAN device MAC addresses, the upstream MAC-clone
// key, and per-radio BSSIDs. Writes are two-phase (staged with set,
// persisted with an explicit commit) and every mutating operation honors
// dry-run mode by logging the command it would run instead of running it.
package netconf

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/nullroute-io/cloak/pkg/cmdio"
)

// UCI is a thin client for the uci command line tool.
type UCI struct {
	run    cmdio.Runner
	log    *zap.SugaredLogger
	dryRun bool
}

// NewUCI returns a UCI client. With dryRun set, Set and Commit log their
// command and report success without executing anything; Get still reads.
func NewUCI(run cmdio.Runner, log *zap.SugaredLogger, dryRun bool) *UCI {
	return &UCI{run: run, log: log, dryRun: dryRun}
}

// Get reads a configuration key. The second return is false when the key
// does not exist or the query fails.
func (u *UCI) Get(ctx context.Context, key string) (string, bool) {
	out, code := u.run.Shell(ctx, fmt.Sprintf("uci get %s 2>/dev/null", key))
	if code != 0 {
		return "", false
	}
	return strings.TrimSpace(out), true
}

// Set stages a value. Staged values are not visible to the running
// system until Commit.
func (u *UCI) Set(ctx context.Context, key, value string) bool {
	cmd := fmt.Sprintf("uci set %s=%s", key, value)
	if u.dryRun {
		u.log.Infof("would execute: %s", cmd)
		return true
	}
	out, code := u.run.Shell(ctx, cmd)
	if code != 0 {
		u.log.Errorf("uci set %s failed: %s", key, strings.TrimSpace(out))
		return false
	}
	return true
}

// Commit persists all staged changes for one configuration section.
func (u *UCI) Commit(ctx context.Context, section string) bool {
	cmd := "uci commit " + section
	if u.dryRun {
		u.log.Infof("would execute: %s", cmd)
		return true
	}
	out, code := u.run.Shell(ctx, cmd)
	if code != 0 {
		u.log.Errorf("uci commit %s failed: %s", section, strings.TrimSpace(out))
		return false
	}
	return true
}

// Show dumps a configuration section.
func (u *UCI) Show(ctx context.Context, section string) (string, bool) {
	out, code := u.run.Shell(ctx, "uci show "+section)
	if code != 0 {
		return "", false
	}
	return out, true
}
