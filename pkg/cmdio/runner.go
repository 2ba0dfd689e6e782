package cmdio

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"regexp"
	"time"

	"go.uber.org/zap"
)

// Runner executes shell and modem AT commands. Output is combined
// stdout/stderr text; code is zero on success. Implementations never
// return a Go error; diagnostics ride in the output text.
type Runner interface {
	Shell(ctx context.Context, command string) (output string, code int)
	AT(ctx context.Context, command string) (output string, code int)
}

// okToken matches the modem's literal success marker. The serial channel
// has no exit codes, so this token is the only success signal.
var okToken = regexp.MustCompile(`(?i)\bOK\b`)

const shellTimeout = 120 * time.Second

// Exec is the production Runner. TTY is the serial device bound for this
// invocation; HelperPath points at the privileged AT helper that is
// preferred over raw serial when installed.
type Exec struct {
	TTY        string
	HelperPath string
	HelperTTY  string // device the helper defaults to when no --tty given
	Log        *zap.SugaredLogger
}

// Shell runs command via /bin/sh -c, capturing combined stdout/stderr.
func (e *Exec) Shell(ctx context.Context, command string) (string, int) {
	e.Log.Debugf("shell: %s", command)

	ctx, cancel := context.WithTimeout(ctx, shellTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	combined := stdout.String()
	if stderr.Len() > 0 {
		if combined != "" {
			combined += "\n"
		}
		combined += stderr.String()
	}

	code := 0
	if err != nil {
		code = 1
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		}
		if combined == "" {
			combined = err.Error()
		}
	}

	e.Log.Debugf("shell: exit %d, output: %s", code, combined)
	return combined, code
}

// AT sends a modem AT command, preferring the vendor helper and falling
// back to direct serial I/O on the bound TTY. Success requires the
// literal OK token in the response regardless of transport.
func (e *Exec) AT(ctx context.Context, command string) (string, int) {
	if e.helperAvailable() {
		return e.runHelper(ctx, command)
	}
	if e.TTY == "" {
		e.Log.Error("at: no TTY device bound and helper not installed")
		return "no TTY device bound and helper not installed", 1
	}
	return e.runSerial(command)
}

func (e *Exec) helperAvailable() bool {
	if e.HelperPath == "" {
		return false
	}
	_, err := os.Stat(e.HelperPath)
	return err == nil
}

func (e *Exec) runHelper(ctx context.Context, command string) (string, int) {
	args := []string{"AT", command}
	// The helper talks to its own default device; only steer it when we
	// bound a different one.
	if e.TTY != "" && e.TTY != e.HelperTTY {
		args = append(args, "--tty", e.TTY)
	}
	e.Log.Debugf("at: %s %v", e.HelperPath, args)

	cmd := exec.CommandContext(ctx, e.HelperPath, args...)
	out, err := cmd.CombinedOutput()
	resp := string(out)
	if err != nil && resp == "" {
		resp = err.Error()
	}

	code := 1
	if okToken.MatchString(resp) {
		code = 0
	}
	e.Log.Debugf("at: exit %d, response: %s", code, resp)
	return resp, code
}
