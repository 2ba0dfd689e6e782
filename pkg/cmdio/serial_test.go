package cmdio

import (
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// openPTY returns the master side and the slave path of a fresh pty
// pair. The slave stands in for the modem's serial device.
func openPTY(t *testing.T) (*os.File, string) {
	t.Helper()

	master, err := os.OpenFile("/dev/ptmx", os.O_RDWR, 0)
	if err != nil {
		t.Skipf("no pty support: %v", err)
	}
	t.Cleanup(func() { master.Close() })

	fd := int(master.Fd())
	if err := unix.IoctlSetPointerInt(fd, unix.TIOCSPTLCK, 0); err != nil {
		t.Fatalf("unlocking pty: %v", err)
	}
	n, err := unix.IoctlGetInt(fd, unix.TIOCGPTN)
	if err != nil {
		t.Fatalf("reading pty number: %v", err)
	}
	return master, fmt.Sprintf("/dev/pts/%d", n)
}

// fakeModem echoes the first command it sees, then answers with resp
// after a short pause, the way real modems answer well after the echo.
func fakeModem(t *testing.T, master *os.File, resp string) {
	t.Helper()
	go func() {
		buf := make([]byte, 64)
		n, err := master.Read(buf)
		if err != nil {
			return
		}
		master.Write(buf[:n])
		time.Sleep(150 * time.Millisecond)
		master.Write([]byte(resp))
	}()
}

func TestRunSerial(t *testing.T) {
	t.Run("reads past the command echo to the OK", func(t *testing.T) {
		master, slave := openPTY(t)
		fakeModem(t, master, "\r\n357095051234563\r\n\r\nOK\r\n")

		e := &Exec{TTY: slave, Log: zap.NewNop().Sugar()}
		out, code := e.runSerial("AT+GSN")
		if code != 0 {
			t.Fatalf("exit code = %d, want 0 (output %q)", code, out)
		}
		if !strings.Contains(out, "357095051234563") {
			t.Errorf("output %q missing the identifier payload", out)
		}
	})

	t.Run("ERROR response fails without waiting out the deadline", func(t *testing.T) {
		master, slave := openPTY(t)
		fakeModem(t, master, "\r\nERROR\r\n")

		e := &Exec{TTY: slave, Log: zap.NewNop().Sugar()}
		start := time.Now()
		out, code := e.runSerial("AT+EGMR=1,7,\"123\"")
		if code != 1 {
			t.Fatalf("exit code = %d, want 1 (output %q)", code, out)
		}
		if elapsed := time.Since(start); elapsed > 2*time.Second {
			t.Errorf("verdict took %v, should not wait out the read deadline", elapsed)
		}
	})

	t.Run("missing device reports failure", func(t *testing.T) {
		e := &Exec{TTY: "/dev/does-not-exist", Log: zap.NewNop().Sugar()}
		_, code := e.runSerial("AT")
		if code != 1 {
			t.Fatalf("exit code = %d, want 1", code)
		}
	})
}

func TestHasVerdict(t *testing.T) {
	cases := []struct {
		resp string
		want bool
	}{
		{"AT+GSN\r", false},
		{"AT+GSN\r\r\n357095051234563\r\n", false},
		{"\r\nOK\r\n", true},
		{"\r\nok\r\n", true},
		{"\r\nERROR\r\n", true},
		{"+CME ERROR: 3\r\n", true},
		{"BROKEN", false},
	}
	for _, tc := range cases {
		if got := hasVerdict(tc.resp); got != tc.want {
			t.Errorf("hasVerdict(%q) = %v, want %v", tc.resp, got, tc.want)
		}
	}
}
