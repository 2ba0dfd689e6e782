// Package modem drives the cellular modem over its AT-command channel:
// radio control, identifier queries, IMEI rewriting, and a verified full
// power cycle. The controller tracks the modem as a small state machine
// so callers can observe where a multi-step operation stopped.
package modem

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nullroute-io/cloak/pkg/cmdio"
)

// State is the controller's view of the modem.
type State int

const (
	StateRadioEnabled State = iota
	StateRadioDisabled
	StateDeviceAbsent
	StateDevicePresentUnverified
	StateVerified
)

func (s State) String() string {
	switch s {
	case StateRadioEnabled:
		return "radio-enabled"
	case StateRadioDisabled:
		return "radio-disabled"
	case StateDeviceAbsent:
		return "device-absent"
	case StateDevicePresentUnverified:
		return "device-present-unverified"
	case StateVerified:
		return "verified"
	}
	return "unknown"
}

var (
	imeiFormat = regexp.MustCompile(`^\d{15}$`)
	imsiRe     = regexp.MustCompile(`\b([0-9]{6,15})\b`)
	imeiRe     = regexp.MustCompile(`\b([0-9]{14,15})\b`)
	iccidRe    = regexp.MustCompile(`\b([0-9]{18,22})\b`)
)

// Options configures a Controller for one invocation.
type Options struct {
	// TTY pins the serial device; empty means probe Candidates.
	TTY        string
	Candidates []string

	StatusFile  string // new IMEI is cached here after a successful write
	MarkerFile  string // created when a reboot is still pending
	RebootGrace time.Duration

	DeviceGone    RetryPolicy // wait for the node to vanish after power-down
	DevicePresent RetryPolicy // wait for the node to come back
	Verify        RetryPolicy // IMSI polling after reappearance

	DryRun bool

	// Exists overrides device-node presence checks in tests.
	Exists func(path string) bool
}

// Controller sequences modem operations over a Runner.
type Controller struct {
	tty  string
	run  cmdio.Runner
	log  *zap.SugaredLogger
	opts Options

	state  State
	exists func(string) bool
	sleep  func(time.Duration)
}

// New selects the serial device and returns a ready Controller. The
// modem is assumed radio-enabled until an operation says otherwise.
func New(ctx context.Context, run cmdio.Runner, log *zap.SugaredLogger, opts Options) *Controller {
	c := &Controller{
		run:    run,
		log:    log,
		opts:   opts,
		state:  StateRadioEnabled,
		exists: devExists,
		sleep:  time.Sleep,
	}
	if opts.Exists != nil {
		c.exists = opts.Exists
	}
	c.tty = c.selectTTY(ctx)
	return c
}

func devExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// selectTTY prefers an explicitly supplied path, then probes the
// candidate list. Virtual SIM setups bind the modem to the higher USB
// endpoint on the reference hardware, so a cheap process check steers
// the probe order.
func (c *Controller) selectTTY(ctx context.Context) string {
	if c.opts.TTY != "" {
		return c.opts.TTY
	}
	candidates := c.opts.Candidates
	if len(candidates) == 0 {
		candidates = []string{"/dev/ttyUSB0", "/dev/ttyUSB3"}
	}

	if c.virtualSIMLikely(ctx) {
		reordered := make([]string, 0, len(candidates))
		for i := len(candidates) - 1; i >= 0; i-- {
			reordered = append(reordered, candidates[i])
		}
		candidates = reordered
	}

	for _, dev := range candidates {
		if c.exists(dev) {
			c.log.Debugf("modem: selected TTY %s", dev)
			return dev
		}
	}
	c.log.Warnf("modem: no TTY device found, defaulting to %s", candidates[0])
	return candidates[0]
}

func (c *Controller) virtualSIMLikely(ctx context.Context) bool {
	out, code := c.run.Shell(ctx, "ps w")
	return code == 0 && strings.Contains(strings.ToLower(out), "vsim")
}

// TTY returns the serial device bound for this invocation.
func (c *Controller) TTY() string { return c.tty }

// State returns the controller's current view of the modem.
func (c *Controller) State() State { return c.state }

// EnableRadio turns the radio on (AT+CFUN=1). Failure is a warning, not
// fatal; callers proceed best-effort.
func (c *Controller) EnableRadio(ctx context.Context) bool {
	return c.controlRadio(ctx, true)
}

// DisableRadio turns the radio off while keeping the modem reachable
// (AT+CFUN=4).
func (c *Controller) DisableRadio(ctx context.Context) bool {
	return c.controlRadio(ctx, false)
}

func (c *Controller) controlRadio(ctx context.Context, enable bool) bool {
	mode := 4
	verb := "disable"
	action := "disabling"
	if enable {
		mode = 1
		verb = "enable"
		action = "enabling"
	}

	cmd := fmt.Sprintf("AT+CFUN=%d", mode)
	if c.opts.DryRun {
		c.log.Infof("would execute: %s", cmd)
		return true
	}

	c.log.Infof("%s modem radio", action)
	if _, code := c.run.AT(ctx, cmd); code != 0 {
		c.log.Warnf("failed to %s radio", verb)
		return false
	}
	if enable {
		c.state = StateRadioEnabled
	} else {
		c.state = StateRadioDisabled
	}
	c.log.Infof("radio %sd", verb)
	return true
}

// IMSI queries the subscriber identity. Empty means no match in the
// modem's response.
func (c *Controller) IMSI(ctx context.Context) string {
	return c.query(ctx, "AT+CIMI", imsiRe)
}

// IMEI queries the device serial number.
func (c *Controller) IMEI(ctx context.Context) string {
	return c.query(ctx, "AT+GSN", imeiRe)
}

// ICCID queries the SIM card identifier.
func (c *Controller) ICCID(ctx context.Context) string {
	return c.query(ctx, "AT+CCID", iccidRe)
}

func (c *Controller) query(ctx context.Context, cmd string, re *regexp.Regexp) string {
	out, _ := c.run.AT(ctx, cmd)
	if out == "" {
		return ""
	}
	if m := re.FindStringSubmatch(out); m != nil {
		return m[1]
	}
	return ""
}

// SetIMEI writes imei into modem NVRAM (AT+EGMR=1,7). The radio is
// disabled first and left disabled; the change only takes effect after a
// power cycle, so the caller either reboots now (rebootAfter) or a marker
// file records that a reboot is still owed.
func (c *Controller) SetIMEI(ctx context.Context, imei string, rebootAfter bool) bool {
	if !imeiFormat.MatchString(imei) {
		c.log.Errorf("invalid IMEI format: %q", imei)
		return false
	}

	if c.opts.DryRun {
		c.log.Infof("would execute: AT+EGMR=1,7,%q", imei)
		return true
	}

	if !c.DisableRadio(ctx) {
		c.log.Warn("radio could not be disabled before setting IMEI, continuing anyway")
	}

	out, code := c.run.AT(ctx, fmt.Sprintf(`AT+EGMR=1,7,"%s"`, imei))
	if code != 0 {
		c.log.Errorf("failed to set IMEI: %s", strings.TrimSpace(out))
		return false
	}
	c.log.Infof("new IMEI written to modem: %s", imei)

	c.cacheIMEI(imei)

	if rebootAfter {
		c.log.Infof("rebooting in %s so the new IMEI takes effect", c.opts.RebootGrace)
		c.sleep(c.opts.RebootGrace)
		c.run.Shell(ctx, "reboot")
		return true
	}

	if c.opts.MarkerFile != "" {
		if err := os.WriteFile(c.opts.MarkerFile, []byte(imei+"\n"), 0o600); err != nil {
			c.log.Debugf("could not write reboot marker: %v", err)
		}
	}
	c.log.Warn("IMEI changed; a reboot is required before it takes effect")
	return true
}

func (c *Controller) cacheIMEI(imei string) {
	if c.opts.StatusFile == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(c.opts.StatusFile), 0o755); err != nil {
		c.log.Debugf("could not create status dir: %v", err)
		return
	}
	if err := os.WriteFile(c.opts.StatusFile, []byte(imei), 0o600); err != nil {
		c.log.Debugf("could not cache IMEI: %v", err)
		return
	}
	c.log.Debugf("cached IMEI to %s", c.opts.StatusFile)
}

// Restart power-cycles the modem (AT+QPOWD) and verifies it came back:
// the device node must disappear (warn-only), reappear (hard), and then
// answer an IMSI query within the verify policy (hard).
func (c *Controller) Restart(ctx context.Context) bool {
	if c.opts.DryRun {
		c.log.Info("would execute: AT+QPOWD and wait for modem to return")
		return true
	}

	c.log.Info("restarting modem (AT+QPOWD)")
	if _, code := c.run.AT(ctx, "AT+QPOWD"); code != 0 {
		// The modem often drops the line before acking; keep going.
		c.log.Warn("AT+QPOWD did not acknowledge, continuing")
	}

	if c.opts.DeviceGone.WaitFor(func() bool { return !c.exists(c.tty) }) {
		c.state = StateDeviceAbsent
	} else {
		c.log.Warnf("%s never disappeared, continuing anyway", c.tty)
	}

	if !c.opts.DevicePresent.WaitFor(func() bool { return c.exists(c.tty) }) {
		c.log.Errorf("%s did not reappear in time, restart failed", c.tty)
		c.state = StateDeviceAbsent
		return false
	}
	c.state = StateDevicePresentUnverified

	ok := c.opts.Verify.Attempts(func(attempt int) bool {
		c.log.Infof("checking modem status (attempt %d/%d)", attempt, c.opts.Verify.MaxAttempts)
		if imsi := c.IMSI(ctx); imsi != "" {
			c.log.Infof("modem is back, IMSI %s", imsi)
			return true
		}
		return false
	})
	if !ok {
		c.log.Error("modem never answered an IMSI query after restart")
		return false
	}
	c.state = StateVerified
	return true
}
