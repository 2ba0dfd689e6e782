package netconf

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nullroute-io/cloak/pkg/cmdio"
	"github.com/nullroute-io/cloak/pkg/ident"
)

var deviceIndexRe = regexp.MustCompile(`network\.@device\[(\d+)\]`)

// physicalIfaces are read for the before/after MAC snapshot.
var physicalIfaces = []string{"eth0", "eth1", "wlan0", "wlan1"}

// Configurator changes MAC-level identity in the network configuration.
type Configurator struct {
	uci    *UCI
	run    cmdio.Runner
	log    *zap.SugaredLogger
	dryRun bool
	settle time.Duration
	sleep  func(time.Duration)
}

// NewConfigurator wires a Configurator. settle is the delay allowed after
// a network restart before returning to the caller.
func NewConfigurator(run cmdio.Runner, log *zap.SugaredLogger, dryRun bool, settle time.Duration) *Configurator {
	return &Configurator{
		uci:    NewUCI(run, log, dryRun),
		run:    run,
		log:    log,
		dryRun: dryRun,
		settle: settle,
		sleep:  time.Sleep,
	}
}

// DeviceIndices lists the configured network device entries. Discovery
// failure is not fatal: the caller gets [0] and a logged warning, since
// device 0 exists on every shipped configuration.
func (c *Configurator) DeviceIndices(ctx context.Context) []int {
	out, ok := c.uci.Show(ctx, "network")
	if !ok {
		c.log.Warn("network device discovery failed, falling back to device 0")
		return []int{0}
	}

	var indices []int
	seen := make(map[int]bool)
	for _, m := range deviceIndexRe.FindAllStringSubmatch(out, -1) {
		idx, err := strconv.Atoi(m[1])
		if err != nil || seen[idx] {
			continue
		}
		seen[idx] = true
		indices = append(indices, idx)
	}
	if len(indices) == 0 {
		c.log.Warn("no network device entries found, falling back to device 0")
		return []int{0}
	}
	return indices
}

// macStrategy is one way of getting a MAC onto the WAN side. Strategies
// are tried in order; the first success wins.
type macStrategy struct {
	name  string
	apply func(ctx context.Context, mac ident.MAC) bool
}

// SetWANMAC sets mac on the addressed device entry, falling back to the
// logical wan interface and finally the physical eth0 interface.
func (c *Configurator) SetWANMAC(ctx context.Context, index int, mac ident.MAC) bool {
	c.log.Infof("setting WAN device[%d] MAC to %s", index, mac)

	strategies := []macStrategy{
		{"device entry", func(ctx context.Context, mac ident.MAC) bool {
			return c.setDeviceEntryMAC(ctx, index, mac)
		}},
		{"wan interface", c.setWANInterfaceMAC},
		{"eth0 hardware address", c.setEth0MAC},
	}

	for _, s := range strategies {
		if s.apply(ctx, mac) {
			c.log.Debugf("WAN MAC set via %s strategy", s.name)
			return true
		}
		c.log.Warnf("%s strategy failed, trying next", s.name)
	}
	c.log.Error("all WAN MAC strategies failed")
	return false
}

func (c *Configurator) setDeviceEntryMAC(ctx context.Context, index int, mac ident.MAC) bool {
	key := fmt.Sprintf("network.@device[%d]", index)
	if _, exists := c.uci.Get(ctx, key); !exists {
		return false
	}
	return c.uci.Set(ctx, key+".macaddr", mac.String())
}

func (c *Configurator) setWANInterfaceMAC(ctx context.Context, mac ident.MAC) bool {
	return c.uci.Set(ctx, "network.wan.macaddr", mac.String())
}

func (c *Configurator) setEth0MAC(ctx context.Context, mac ident.MAC) bool {
	out, code := c.run.Shell(ctx, "ls -1 /sys/class/net/")
	if code != 0 || !containsLine(out, "eth0") {
		return false
	}

	if c.dryRun {
		c.log.Infof("would set eth0 MAC to %s", mac)
		return true
	}

	for _, cmd := range []string{
		"ip link set eth0 down",
		"ip link set eth0 address " + mac.String(),
		"ip link set eth0 up",
	} {
		if out, code := c.run.Shell(ctx, cmd); code != 0 {
			c.log.Errorf("%s failed: %s", cmd, strings.TrimSpace(out))
			return false
		}
	}
	return true
}

// SetMACClone sets the MAC-clone key used for tethered/WWAN upstream
// connections.
func (c *Configurator) SetMACClone(ctx context.Context, mac ident.MAC) bool {
	c.log.Infof("setting MAC clone address to %s", mac)
	return c.uci.Set(ctx, "glconfig.general.macclone_addr", mac.String())
}

// Commit persists all staged network and glconfig changes.
func (c *Configurator) Commit(ctx context.Context) bool {
	ok := c.uci.Commit(ctx, "network")
	if !c.uci.Commit(ctx, "glconfig") {
		ok = false
	}
	if ok {
		c.log.Info("configuration changes committed")
	}
	return ok
}

// RestartNetwork reloads the networking service and waits out the settle
// delay so follow-up reads see the new state.
func (c *Configurator) RestartNetwork(ctx context.Context) bool {
	cmd := "/etc/init.d/network restart"
	if c.dryRun {
		c.log.Infof("would execute: %s", cmd)
		return true
	}
	c.log.Info("restarting network to apply changes")
	out, code := c.run.Shell(ctx, cmd)
	if code != 0 {
		c.log.Errorf("network restart failed: %s", strings.TrimSpace(out))
		return false
	}
	c.sleep(c.settle)
	return true
}

// CurrentMACs is a best-effort snapshot of device, clone and physical
// interface MAC addresses for before/after logging. Individual lookup
// failures just omit the key.
func (c *Configurator) CurrentMACs(ctx context.Context) map[string]string {
	macs := make(map[string]string)

	for _, idx := range c.DeviceIndices(ctx) {
		key := fmt.Sprintf("network.@device[%d].macaddr", idx)
		if v, ok := c.uci.Get(ctx, key); ok && v != "" {
			macs[fmt.Sprintf("wan_device_%d", idx)] = v
		}
	}

	if v, ok := c.uci.Get(ctx, "glconfig.general.macclone_addr"); ok && v != "" {
		macs["macclone"] = v
	}

	for _, iface := range physicalIfaces {
		out, code := c.run.Shell(ctx, "cat /sys/class/net/"+iface+"/address")
		if code == 0 {
			if addr := strings.TrimSpace(out); addr != "" {
				macs[iface] = addr
			}
		}
	}
	return macs
}

func containsLine(out, want string) bool {
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == want {
			return true
		}
	}
	return false
}
