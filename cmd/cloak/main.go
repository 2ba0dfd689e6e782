// Command cloak randomizes the network-visible identifiers of an
// OpenWrt travel router (WAN MAC, WiFi BSSIDs, modem IMEI) and removes
// identifier traces from logs and client databases.
package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/nullroute-io/cloak/pkg/config"
	"github.com/nullroute-io/cloak/pkg/logging"
	"github.com/nullroute-io/cloak/pkg/orchestrate"
	"github.com/nullroute-io/cloak/pkg/version"
)

var (
	flagConfig     string
	flagVerbose    bool
	flagDryRun     bool
	flagRandomize  []string
	flagInterfaces []string
	flagNoRestart  bool
	flagNoReboot   bool
	flagDevIndex   int
	flagTTY        string
	flagIMEISeed   string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "cloak",
		Short:   "Randomize router network identifiers and scrub forensic traces",
		Version: version.String(),
		// Bare invocation behaves like "secure", the common case on
		// the router's boot path.
		RunE: runSecure,
	}
	root.SilenceUsage = true
	root.SilenceErrors = true
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "config file (default "+config.DefaultPath+")")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
	root.PersistentFlags().StringVar(&flagTTY, "tty", "", "modem serial device (default: probe)")

	secure := &cobra.Command{
		Use:   "secure",
		Short: "Randomize identifiers and scrub traces",
		RunE:  runSecure,
	}
	addSecureFlags(root)
	addSecureFlags(secure)

	info := &cobra.Command{
		Use:       "info [mac|bssid|modem|sim|all]",
		Short:     "Show current identifiers without changing anything",
		ValidArgs: []string{"mac", "bssid", "modem", "sim", "all"},
		Args:      cobra.OnlyValidArgs,
		RunE:      runInfo,
	}

	root.AddCommand(secure, info)
	return root
}

func addSecureFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVarP(&flagDryRun, "dry-run", "n", false, "log what would happen without changing anything")
	cmd.Flags().StringSliceVarP(&flagRandomize, "randomize", "r", nil, "identifier classes: mac, bssid, imei, logs, all (default all)")
	cmd.Flags().StringSliceVarP(&flagInterfaces, "interfaces", "i", nil, "MAC targets: wan, upstream, all (default all)")
	cmd.Flags().BoolVar(&flagNoRestart, "no-restart", false, "skip network and WiFi restarts")
	cmd.Flags().BoolVar(&flagNoReboot, "no-reboot-imei", false, "leave a reboot marker instead of rebooting after an IMEI change")
	cmd.Flags().IntVar(&flagDevIndex, "device-index", -1, "pin the network device entry to retarget")
	cmd.Flags().StringVar(&flagIMEISeed, "imei-seed", "random", "IMEI source: random, or imsi for a stable per-SIM value")
}

func setup(cmd *cobra.Command) (*orchestrate.Orchestrator, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagTTY != "" {
		cfg.TTY = flagTTY
	}

	log := logging.New(logging.Options{Verbose: flagVerbose, File: cfg.LogFile})
	return orchestrate.New(cfg, log), nil
}

func runSecure(cmd *cobra.Command, _ []string) error {
	o, err := setup(cmd)
	if err != nil {
		return err
	}

	req := orchestrate.Request{
		Randomize:        flagRandomize,
		Interfaces:       flagInterfaces,
		DryRun:           flagDryRun,
		NoRestart:        flagNoRestart,
		RebootAfterIMEI:  !flagNoReboot,
		SeedIMEIFromIMSI: flagIMEISeed == "imsi",
	}
	if flagDevIndex >= 0 {
		idx := flagDevIndex
		req.DeviceIndex = &idx
	}

	res := o.Run(cmd.Context(), req)
	if !res.OK {
		return fmt.Errorf("one or more operations failed (run %s)", res.RunID)
	}
	return nil
}

func runInfo(cmd *cobra.Command, args []string) error {
	o, err := setup(cmd)
	if err != nil {
		return err
	}

	rep := o.Info(cmd.Context(), args)
	out := cmd.OutOrStdout()

	if len(rep.MACs) > 0 {
		fmt.Fprintln(out, "MAC addresses:")
		keys := make([]string, 0, len(rep.MACs))
		for k := range rep.MACs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(out, "  %-14s %s\n", k, rep.MACs[k])
		}
	}

	if len(rep.BSSIDs) > 0 {
		fmt.Fprintln(out, "BSSIDs:")
		for _, idx := range []int{0, 1} {
			if v, ok := rep.BSSIDs[idx]; ok {
				fmt.Fprintf(out, "  radio%d         %s\n", idx, v)
			}
		}
	}

	fmt.Fprintln(out, "Modem:")
	fmt.Fprintf(out, "  IMEI           %s\n", orEmpty(rep.Modem.IMEI))
	fmt.Fprintf(out, "  IMSI           %s\n", orEmpty(rep.Modem.IMSI))
	fmt.Fprintf(out, "  ICCID          %s\n", orEmpty(rep.Modem.ICCID))
	fmt.Fprintf(out, "  SIM type       %s\n", rep.SIMType)
	return nil
}

func orEmpty(s string) string {
	if s == "" {
		return "(unavailable)"
	}
	return s
}
