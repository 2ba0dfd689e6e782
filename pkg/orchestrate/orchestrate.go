// Package orchestrate sequences identifier randomization and trace
// removal for one invocation. It owns the command runner and the
// per-subsystem components for the duration of a run; nothing survives
// between runs.
package orchestrate

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nullroute-io/cloak/pkg/cmdio"
	"github.com/nullroute-io/cloak/pkg/config"
	"github.com/nullroute-io/cloak/pkg/ident"
	"github.com/nullroute-io/cloak/pkg/modem"
	"github.com/nullroute-io/cloak/pkg/netconf"
	"github.com/nullroute-io/cloak/pkg/scrub"
	"github.com/nullroute-io/cloak/pkg/sim"
)

// Identifier classes and interface groups accepted in a Request. "all"
// expands to every member of its set.
const (
	ClassMAC   = "mac"
	ClassBSSID = "bssid"
	ClassIMEI  = "imei"
	ClassLogs  = "logs"

	IfaceWAN      = "wan"
	IfaceUpstream = "upstream"
)

// Request selects what a run should randomize and how.
type Request struct {
	Randomize  []string // identifier classes, empty or "all" = everything
	Interfaces []string // wan, upstream, all; applies to the mac class

	// DeviceIndex pins the network device entry to retarget. Nil means
	// discover the configured indices.
	DeviceIndex *int

	DryRun           bool
	NoRestart        bool // skip network and WiFi restarts
	RebootAfterIMEI  bool // full reboot instead of a modem power cycle
	SeedIMEIFromIMSI bool // reproducible per-SIM IMEI instead of random
}

// Step records the outcome of one identifier class within a run.
type Step struct {
	Name string
	OK   bool
}

// Result is the aggregate outcome of a run.
type Result struct {
	RunID  string
	OK     bool
	Steps  []Step
	Before map[string]string // MAC snapshot taken before any mutation
	After  map[string]string
	Scrub  *scrub.Report // non-nil when the logs class ran
}

// InfoReport is the non-mutating state readout.
type InfoReport struct {
	MACs    map[string]string
	BSSIDs  map[int]string
	Modem   sim.Info
	SIMType sim.Type
}

// Orchestrator wires the subsystems for one invocation.
type Orchestrator struct {
	cfg *config.Config
	log *zap.SugaredLogger
	run cmdio.Runner

	// test seams
	euid        func() int
	modemExists func(string) bool
}

// New returns an Orchestrator executing through the real shell and
// modem channel described by cfg.
func New(cfg *config.Config, log *zap.SugaredLogger) *Orchestrator {
	return &Orchestrator{
		cfg: cfg,
		log: log,
		run: &cmdio.Exec{
			TTY:        cfg.TTY,
			HelperPath: cfg.HelperPath,
			HelperTTY:  cfg.HelperTTY,
			Log:        log,
		},
		euid: os.Geteuid,
	}
}

// Run executes the requested randomization classes in a fixed order:
// WAN MACs, then BSSIDs, then IMEI, then log scrubbing. A class failing
// never blocks the classes after it; the aggregate is the AND of every
// class that ran.
func (o *Orchestrator) Run(ctx context.Context, req Request) Result {
	res := Result{RunID: uuid.NewString(), OK: true}
	classes := expand(req.Randomize, []string{ClassMAC, ClassBSSID, ClassIMEI, ClassLogs})

	o.log.Infof("run %s starting (classes: %s, dry-run: %v)",
		res.RunID, strings.Join(classes, " "), req.DryRun)

	if !req.DryRun && o.euid() != 0 {
		o.log.Error("identifier randomization mutates system state and requires root")
		res.OK = false
		return res
	}

	nc := netconf.NewConfigurator(o.run, o.log, req.DryRun, o.cfg.NetworkSettle)
	res.Before = nc.CurrentMACs(ctx)

	if has(classes, ClassMAC) {
		ok := o.randomizeMACs(ctx, nc, req)
		res.Steps = append(res.Steps, Step{Name: ClassMAC, OK: ok})
		res.OK = res.OK && ok
	}

	if has(classes, ClassBSSID) {
		ok := o.randomizeBSSIDs(ctx, req)
		res.Steps = append(res.Steps, Step{Name: ClassBSSID, OK: ok})
		res.OK = res.OK && ok
	}

	if has(classes, ClassIMEI) {
		ok := o.randomizeIMEI(ctx, req)
		res.Steps = append(res.Steps, Step{Name: ClassIMEI, OK: ok})
		res.OK = res.OK && ok
	}

	if has(classes, ClassLogs) {
		s := scrub.New(o.run, o.log, scrub.Options{
			LogFiles:     o.cfg.LogFiles,
			LogDirs:      o.cfg.LogDirs,
			Services:     o.cfg.Services,
			ClientDBDir:  o.cfg.ClientDBDir,
			ClientDBFile: o.cfg.ClientDBFile,
			InitScript:   o.cfg.InitScript,
			RCDir:        o.cfg.RCDir,
			DryRun:       req.DryRun,
		})
		ok, rep := s.FullWipe(ctx)
		res.Scrub = rep
		res.Steps = append(res.Steps, Step{Name: ClassLogs, OK: ok})
		res.OK = res.OK && ok
	}

	res.After = nc.CurrentMACs(ctx)
	o.logSnapshots(res)
	o.log.Infof("run %s finished, success: %v", res.RunID, res.OK)
	return res
}

func (o *Orchestrator) randomizeMACs(ctx context.Context, nc *netconf.Configurator, req Request) bool {
	groups := expand(req.Interfaces, []string{IfaceWAN, IfaceUpstream})
	ok := true

	if has(groups, IfaceWAN) {
		indices := nc.DeviceIndices(ctx)
		if req.DeviceIndex != nil {
			indices = []int{*req.DeviceIndex}
		}
		for _, idx := range indices {
			mac := ident.NewMAC()
			if !nc.SetWANMAC(ctx, idx, mac) {
				o.log.Errorf("device %d: no MAC strategy succeeded", idx)
				ok = false
				continue
			}
			o.log.Infof("device %d MAC set to %s", idx, mac)
		}
	}

	if has(groups, IfaceUpstream) {
		mac := ident.NewMAC()
		if !nc.SetMACClone(ctx, mac) {
			ok = false
		} else {
			o.log.Infof("MAC clone address set to %s", mac)
		}
	}

	if !nc.Commit(ctx) {
		ok = false
	}
	if !req.NoRestart {
		if !nc.RestartNetwork(ctx) {
			ok = false
		}
	}
	return ok
}

func (o *Orchestrator) randomizeBSSIDs(ctx context.Context, req Request) bool {
	bm := netconf.NewBSSIDManager(o.run, o.log, req.DryRun, o.cfg.WiFiSettle)
	ok, changes := bm.SetBSSIDs(ctx, nil)
	for _, ch := range changes {
		o.log.Infof("radio %d BSSID set to %s", ch.Index, ch.MAC)
	}
	if !req.NoRestart {
		if !bm.ResetWiFi(ctx) {
			ok = false
		}
	}
	return ok
}

func (o *Orchestrator) randomizeIMEI(ctx context.Context, req Request) bool {
	mc := o.newModem(ctx, req.DryRun)

	imei := ident.NewIMEI()
	if req.SeedIMEIFromIMSI {
		if imsi := mc.IMSI(ctx); imsi != "" {
			imei = ident.NewIMEISeeded(imsi)
			o.log.Info("IMEI derived from subscriber identity, stable for this SIM")
		} else {
			o.log.Warn("subscriber identity unavailable, using a random IMEI")
		}
	}

	if !mc.SetIMEI(ctx, imei, req.RebootAfterIMEI) {
		return false
	}
	if req.RebootAfterIMEI {
		// The reboot makes the new IMEI effective; nothing left to do.
		return true
	}
	return mc.Restart(ctx)
}

// Info reads the current identifier state without mutating anything.
// types filters what is collected; empty or "all" collects everything.
func (o *Orchestrator) Info(ctx context.Context, types []string) InfoReport {
	wanted := expand(types, []string{"mac", "bssid", "modem", "sim"})
	rep := InfoReport{SIMType: sim.Unknown}

	if has(wanted, "mac") {
		nc := netconf.NewConfigurator(o.run, o.log, true, 0)
		rep.MACs = nc.CurrentMACs(ctx)
	}

	if has(wanted, "bssid") {
		rep.BSSIDs = map[int]string{}
		uci := netconf.NewUCI(o.run, o.log, true)
		for _, idx := range []int{0, 1} {
			if v, ok := uci.Get(ctx, wirelessMACKey(idx)); ok && v != "" {
				rep.BSSIDs[idx] = v
			}
		}
	}

	if has(wanted, "modem") || has(wanted, "sim") {
		mc := o.newModem(ctx, true)
		insp := sim.NewInspector(mc, o.run, o.log)
		if has(wanted, "modem") {
			rep.Modem = insp.FetchInfo(ctx)
		}
		if has(wanted, "sim") {
			rep.SIMType = insp.DetectType(ctx)
		}
	}
	return rep
}

func (o *Orchestrator) newModem(ctx context.Context, dryRun bool) *modem.Controller {
	return modem.New(ctx, o.run, o.log, modem.Options{
		TTY:         o.cfg.TTY,
		Candidates:  o.cfg.TTYCandidates,
		StatusFile:  o.cfg.IMEIStatusFile,
		MarkerFile:  o.cfg.RebootMarkerFile,
		RebootGrace: o.cfg.RebootGrace,
		DeviceGone: modem.RetryPolicy{
			Timeout:  o.cfg.DeviceGoneTimeout,
			Interval: o.cfg.DevicePollInterval,
		},
		DevicePresent: modem.RetryPolicy{
			Timeout:  o.cfg.DevicePresentTimeout,
			Interval: o.cfg.DevicePollInterval,
		},
		Verify: modem.RetryPolicy{
			MaxAttempts: o.cfg.IMSIRetries,
			Interval:    o.cfg.IMSIRetryInterval,
		},
		DryRun: dryRun,
		Exists: o.modemExists,
	})
}

func (o *Orchestrator) logSnapshots(res Result) {
	for key, before := range res.Before {
		after, present := res.After[key]
		if !present || before == after {
			continue
		}
		o.log.Infof("%s: %s -> %s", key, before, after)
	}
}

func wirelessMACKey(index int) string {
	return fmt.Sprintf("wireless.@wifi-iface[%d].macaddr", index)
}

// expand normalizes a selection list: empty or containing "all" means
// the full set, anything else passes through lowercased.
func expand(sel, full []string) []string {
	if len(sel) == 0 {
		return full
	}
	var out []string
	for _, s := range sel {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "all" {
			return full
		}
		if s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return full
	}
	return out
}

func has(set []string, name string) bool {
	for _, s := range set {
		if s == name {
			return true
		}
	}
	return false
}
