package cmdio

import (
	"fmt"
	"os"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

const (
	serialReadWindow = 1024
	// VTIME is in deciseconds; 30 = 3 second read deadline.
	serialReadVTime = 30
)

// runSerial writes the AT command, CR-terminated, straight to the TTY
// and accumulates the response until a verdict token arrives, the
// window fills, or the read deadline passes with no new data. Modems
// echo the command before answering, so a single read would see only
// the echo. The port is configured raw 9600 8N1 for the duration of the
// exchange.
func (e *Exec) runSerial(command string) (string, int) {
	e.Log.Debugf("at(serial %s): %s", e.TTY, command)

	f, err := os.OpenFile(e.TTY, os.O_RDWR|syscall.O_NOCTTY, 0)
	if err != nil {
		msg := fmt.Sprintf("open %s: %v", e.TTY, err)
		e.Log.Errorf("at(serial): %s", msg)
		return msg, 1
	}
	defer f.Close()

	fd := int(f.Fd())
	if err := configurePort(fd); err != nil {
		msg := fmt.Sprintf("configure %s: %v", e.TTY, err)
		e.Log.Errorf("at(serial): %s", msg)
		return msg, 1
	}

	// Drop anything buffered from a previous exchange.
	_ = unix.IoctlSetInt(fd, unix.TCFLSH, unix.TCIOFLUSH)

	if _, err := f.WriteString(command + "\r"); err != nil {
		msg := fmt.Sprintf("write %s: %v", e.TTY, err)
		e.Log.Errorf("at(serial): %s", msg)
		return msg, 1
	}

	buf := make([]byte, serialReadWindow)
	total := 0
	for total < len(buf) {
		n, err := f.Read(buf[total:])
		if n > 0 {
			total += n
			// Stop once a verdict is in so callers do not pay the
			// trailing VTIME wait on every exchange.
			if hasVerdict(string(buf[:total])) {
				break
			}
			continue
		}
		// Zero bytes means the VTIME deadline passed with no new data.
		if total == 0 {
			msg := fmt.Sprintf("read %s: no response", e.TTY)
			if err != nil {
				msg = fmt.Sprintf("read %s: %v", e.TTY, err)
			}
			e.Log.Errorf("at(serial): %s", msg)
			return msg, 1
		}
		break
	}

	// Lenient decode: modems occasionally emit garbage bytes around
	// resets; strip them instead of failing the exchange.
	resp := strings.ToValidUTF8(string(buf[:total]), "")

	code := 1
	if okToken.MatchString(resp) {
		code = 0
	}
	e.Log.Debugf("at(serial): exit %d, response: %s", code, strings.TrimSpace(resp))
	return resp, code
}

// hasVerdict reports whether resp already carries the modem's final
// word on the command, success or refusal.
func hasVerdict(resp string) bool {
	return okToken.MatchString(resp) || strings.Contains(strings.ToUpper(resp), "ERROR")
}

// configurePort puts the TTY in raw 9600 8N1 mode with a bounded
// blocking read (VMIN=0, VTIME as deadline).
func configurePort(fd int) error {
	tio, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}

	tio.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	tio.Oflag &^= unix.OPOST
	tio.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	tio.Cflag &^= unix.CSIZE | unix.PARENB | unix.CBAUD
	tio.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL | unix.B9600
	tio.Ispeed = unix.B9600
	tio.Ospeed = unix.B9600
	tio.Cc[unix.VMIN] = 0
	tio.Cc[unix.VTIME] = serialReadVTime

	return unix.IoctlSetTermios(fd, unix.TCSETS, tio)
}
