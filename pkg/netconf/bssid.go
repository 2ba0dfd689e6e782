package netconf

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nullroute-io/cloak/pkg/cmdio"
	"github.com/nullroute-io/cloak/pkg/ident"
)

// defaultRadioIndices covers the two radios (2.4 and 5 GHz) on the
// reference hardware.
var defaultRadioIndices = []int{0, 1}

// BSSIDChange records one successfully staged BSSID replacement.
type BSSIDChange struct {
	Index int
	MAC   ident.MAC
}

// BSSIDManager randomizes the MAC-format identifier each radio
// broadcasts.
type BSSIDManager struct {
	uci    *UCI
	run    cmdio.Runner
	log    *zap.SugaredLogger
	dryRun bool
	settle time.Duration
	sleep  func(time.Duration)
}

// NewBSSIDManager wires a BSSIDManager. settle is the delay after a WiFi
// reset before returning.
func NewBSSIDManager(run cmdio.Runner, log *zap.SugaredLogger, dryRun bool, settle time.Duration) *BSSIDManager {
	return &BSSIDManager{
		uci:    NewUCI(run, log, dryRun),
		run:    run,
		log:    log,
		dryRun: dryRun,
		settle: settle,
		sleep:  time.Sleep,
	}
}

// SetBSSIDs generates and stages a fresh BSSID for each wireless
// interface index (default: both radios), then commits the wireless
// section in one step. A commit failure clears overall success even when
// every individual set succeeded.
func (b *BSSIDManager) SetBSSIDs(ctx context.Context, indices []int) (bool, []BSSIDChange) {
	if len(indices) == 0 {
		indices = defaultRadioIndices
	}
	b.log.Infof("setting BSSIDs for wireless interfaces %v", indices)

	ok := true
	var changes []BSSIDChange
	for _, idx := range indices {
		mac := ident.NewMAC()
		key := fmt.Sprintf("wireless.@wifi-iface[%d].macaddr", idx)
		if !b.uci.Set(ctx, key, mac.String()) {
			b.log.Errorf("failed to set BSSID for interface %d", idx)
			ok = false
			continue
		}
		b.log.Infof("interface %d BSSID set to %s", idx, mac)
		changes = append(changes, BSSIDChange{Index: idx, MAC: mac})
	}

	if !b.dryRun && ok && len(changes) > 0 {
		if !b.uci.Commit(ctx, "wireless") {
			b.log.Error("failed to commit wireless configuration")
			ok = false
		}
	}
	return ok, changes
}

// ResetWiFi reapplies the wireless configuration so new BSSIDs take
// effect without a reboot.
func (b *BSSIDManager) ResetWiFi(ctx context.Context) bool {
	if b.dryRun {
		b.log.Info("would execute: wifi")
		return true
	}
	b.log.Info("resetting WiFi to apply BSSID changes")
	_, code := b.run.Shell(ctx, "wifi")
	b.sleep(b.settle)
	if code != 0 {
		b.log.Error("WiFi reset failed")
		return false
	}
	return true
}
