// Package cmdio is the single choke point for talking to the outside
// world: shell commands run through /bin/sh, and modem AT commands run
// through the vendor helper utility when installed or a raw serial
// channel otherwise. Neither path returns a Go error; failures surface
// as a nonzero exit code plus diagnostic output, and every invocation is
// logged at debug level.
package cmdio
