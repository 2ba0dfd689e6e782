// Package sim classifies the SIM behind the modem as physical, virtual,
// eSIM, or unknown. Classification is an ordered chain of independent
// probes over command output; the first probe that reaches a verdict
// wins. The probes are best-effort heuristics, not a guaranteed oracle.
package sim

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/nullroute-io/cloak/pkg/cmdio"
	"github.com/nullroute-io/cloak/pkg/modem"
)

// Type is the detected SIM class.
type Type string

const (
	Physical Type = "physical"
	Virtual  Type = "virtual"
	ESIM     Type = "esim"
	Unknown  Type = "unknown"
)

// Info holds the modem identifiers. Values the modem would not reveal
// stay empty.
type Info struct {
	IMSI  string
	IMEI  string
	ICCID string
}

// Inspector queries SIM identity and type.
type Inspector struct {
	modem  *modem.Controller
	run    cmdio.Runner
	log    *zap.SugaredLogger
	exists func(string) bool
}

// NewInspector wires an Inspector around an existing modem controller.
func NewInspector(m *modem.Controller, run cmdio.Runner, log *zap.SugaredLogger) *Inspector {
	return &Inspector{
		modem: m,
		run:   run,
		log:   log,
		exists: func(path string) bool {
			_, err := os.Stat(path)
			return err == nil
		},
	}
}

// FetchInfo collects IMSI, IMEI, and ICCID best-effort.
func (i *Inspector) FetchInfo(ctx context.Context) Info {
	return Info{
		IMSI:  i.modem.IMSI(ctx),
		IMEI:  i.modem.IMEI(ctx),
		ICCID: i.modem.ICCID(ctx),
	}
}

// DetectType walks the probes in priority order: device presence, IMSI,
// vSIM/eSIM active indicators, system log substrings, and finally a
// physical-SIM default when an IMSI exists.
func (i *Inspector) DetectType(ctx context.Context) Type {
	if !i.exists(i.modem.TTY()) {
		i.log.Error("TTY device not found; is the modem connected?")
		return Unknown
	}

	imsi := i.modem.IMSI(ctx)
	if imsi == "" {
		i.log.Warn("no IMSI detected; SIM may be absent or the modem off")
		if i.profileActive(ctx, "vsim") {
			i.log.Info("vSIM profile detected")
			return Virtual
		}
		if i.profileActive(ctx, "esim") {
			i.log.Info("eSIM profile detected")
			return ESIM
		}
		return Unknown
	}
	i.log.Infof("IMSI: %s", imsi)

	if i.profileActive(ctx, "vsim") {
		i.log.Info("vSIM is active")
		return Virtual
	}
	if i.profileActive(ctx, "esim") {
		i.log.Info("eSIM is active")
		return ESIM
	}

	// Last structured signal: recent system log lines.
	logs, _ := i.run.Shell(ctx, "logread | grep -i sim")
	switch {
	case strings.Contains(strings.ToLower(logs), "vsim"):
		return Virtual
	case strings.Contains(strings.ToLower(logs), "esim"):
		return ESIM
	}

	i.log.Info("physical SIM detected")
	return Physical
}

// profileActive checks whether a vsim/esim profile is live: first a
// structured ubus status query, then free-text indicators, then the
// process list, and for eSIM an application directory.
func (i *Inspector) profileActive(ctx context.Context, profile string) bool {
	out, code := i.run.Shell(ctx, "ubus call "+profile+" status")
	if code == 0 {
		if ProfileStatusActive(out, profile) {
			return true
		}
	}

	psOut, _ := i.run.Shell(ctx, "ps w | grep "+profile)
	if ProcessListed(psOut, profile) {
		return true
	}

	if profile == "esim" {
		out, code := i.run.Shell(ctx, "ls /usr/share/applications/esim")
		if code == 0 && strings.Contains(out, "esim") {
			return true
		}
	}
	return false
}

// ProfileStatusActive decides from a ubus status payload whether the
// profile is active. JSON is tried first; free text with the profile
// name plus an active/enabled marker is accepted as a fallback. Pure
// function of its inputs for testability.
func ProfileStatusActive(out, profile string) bool {
	var payload struct {
		Active bool   `json:"active"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal([]byte(out), &payload); err == nil {
		if payload.Active || payload.Status == "active" {
			return true
		}
	}

	lower := strings.ToLower(out)
	return strings.Contains(lower, profile) &&
		(strings.Contains(lower, "active") || strings.Contains(lower, "enabled"))
}

// ProcessListed reports whether the process list output shows a live
// process for the profile, ignoring the grep invocation itself.
func ProcessListed(psOut, profile string) bool {
	for _, line := range strings.Split(psOut, "\n") {
		if !strings.Contains(line, profile) {
			continue
		}
		if strings.Contains(line, "grep "+profile) {
			continue
		}
		return true
	}
	return false
}
