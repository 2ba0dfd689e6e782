// Package config holds the tool configuration: filesystem paths wired to
// the reference hardware, command timeouts, and polling policies. All
// values have compiled-in defaults; an optional YAML file and CLOAK_*
// environment variables can override them.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration for one invocation.
type Config struct {
	// Modem serial channel
	TTY           string   `mapstructure:"tty"`            // explicit device, empty = probe candidates
	TTYCandidates []string `mapstructure:"tty_candidates"` // probed in order
	HelperPath    string   `mapstructure:"helper_path"`    // privileged AT helper, used when present
	HelperTTY     string   `mapstructure:"helper_tty"`     // the helper's built-in default device

	// Artifacts written after an IMEI change
	IMEIStatusFile   string `mapstructure:"imei_status_file"`
	RebootMarkerFile string `mapstructure:"reboot_marker_file"`

	// Forensic scrubbing targets
	ClientDBDir  string   `mapstructure:"client_db_dir"`
	ClientDBFile string   `mapstructure:"client_db_file"`
	LogFiles     []string `mapstructure:"log_files"`
	LogDirs      []string `mapstructure:"log_dirs"`
	Services     []string `mapstructure:"services"`
	InitScript   string   `mapstructure:"init_script"`
	RCDir        string   `mapstructure:"rc_dir"`

	// Settle delays after service-level restarts
	NetworkSettle time.Duration `mapstructure:"network_settle"`
	WiFiSettle    time.Duration `mapstructure:"wifi_settle"`
	RebootGrace   time.Duration `mapstructure:"reboot_grace"`

	// Modem power-cycle polling
	DeviceGoneTimeout    time.Duration `mapstructure:"device_gone_timeout"`
	DevicePresentTimeout time.Duration `mapstructure:"device_present_timeout"`
	DevicePollInterval   time.Duration `mapstructure:"device_poll_interval"`
	IMSIRetries          int           `mapstructure:"imsi_retries"`
	IMSIRetryInterval    time.Duration `mapstructure:"imsi_retry_interval"`

	// Logging
	LogFile string `mapstructure:"log_file"`
}

// Default returns the configuration matching the reference hardware, a
// GL-iNet class OpenWrt travel router with a Quectel modem.
func Default() *Config {
	return &Config{
		TTYCandidates: []string{"/dev/ttyUSB0", "/dev/ttyUSB3"},
		HelperPath:    "/usr/bin/gl_modem",
		HelperTTY:     "/dev/ttyUSB3",

		IMEIStatusFile:   "/tmp/modem.1-1.2/modem-imei",
		RebootMarkerFile: "/tmp/cloak-reboot-required",

		ClientDBDir:  "/etc/oui-tertf",
		ClientDBFile: "client.db",
		LogFiles: []string{
			"/var/log/messages",
			"/var/log/syslog",
			"/var/log/daemon.log",
			"/var/log/wifi.log",
			"/var/log/firewall.log",
			"/tmp/dhcp.leases",
			"/tmp/dhcp.log",
			"/tmp/dnsmasq.log",
			"/tmp/state/dhcp.leases",
		},
		LogDirs: []string{"/var/log/", "/tmp/log/", "/tmp/run/"},
		Services: []string{
			"gl-tertf",
			"gl_clients",
			"log",
			"syslog",
			"rsyslog",
			"syslog-ng",
		},
		InitScript: "/etc/init.d/gl-mac-security",
		RCDir:      "/etc/rc.d",

		NetworkSettle: 2 * time.Second,
		WiFiSettle:    1 * time.Second,
		RebootGrace:   5 * time.Second,

		DeviceGoneTimeout:    30 * time.Second,
		DevicePresentTimeout: 60 * time.Second,
		DevicePollInterval:   1 * time.Second,
		IMSIRetries:          10,
		IMSIRetryInterval:    3 * time.Second,
	}
}

// DefaultPath is consulted when no --config flag is given. A missing
// file there is fine; an explicitly named file must exist.
const DefaultPath = "/etc/cloak/config.yaml"

// Load returns Default overlaid with the YAML file at path and any
// CLOAK_* environment variables. Environment values win over the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	v := viper.New()
	v.SetEnvPrefix("cloak")
	// AutomaticEnv alone does not surface env-only keys through
	// Unmarshal; every key must be bound by name.
	for _, key := range configKeys() {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("config: binding %s: %w", key, err)
		}
	}
	v.SetConfigType("yaml")
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		// A missing default file is fine; env overrides still apply.
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// configKeys lists every mapstructure key on Config so env bindings
// cannot drift from the struct.
func configKeys() []string {
	t := reflect.TypeOf(Config{})
	keys := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		if tag := t.Field(i).Tag.Get("mapstructure"); tag != "" {
			keys = append(keys, tag)
		}
	}
	return keys
}
