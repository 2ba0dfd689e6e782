package cmdio

import (
	"context"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func testExec() *Exec {
	return &Exec{Log: zap.NewNop().Sugar()}
}

func TestShell(t *testing.T) {
	ctx := context.Background()

	t.Run("captures stdout", func(t *testing.T) {
		out, code := testExec().Shell(ctx, "echo hello")
		if code != 0 {
			t.Fatalf("exit code = %d, want 0", code)
		}
		if !strings.Contains(out, "hello") {
			t.Errorf("output %q missing stdout text", out)
		}
	})

	t.Run("captures stderr", func(t *testing.T) {
		out, code := testExec().Shell(ctx, "echo oops >&2")
		if code != 0 {
			t.Fatalf("exit code = %d, want 0", code)
		}
		if !strings.Contains(out, "oops") {
			t.Errorf("output %q missing stderr text", out)
		}
	})

	t.Run("nonzero exit code propagates", func(t *testing.T) {
		_, code := testExec().Shell(ctx, "exit 3")
		if code != 3 {
			t.Errorf("exit code = %d, want 3", code)
		}
	})

	t.Run("never panics on unrunnable command", func(t *testing.T) {
		out, code := testExec().Shell(ctx, "/definitely/not/a/binary")
		if code == 0 {
			t.Errorf("exit code = 0 for missing binary, output %q", out)
		}
	})
}

func TestOKToken(t *testing.T) {
	cases := []struct {
		resp string
		ok   bool
	}{
		{"\r\nOK\r\n", true},
		{"ok", true},
		{"+CFUN: 1\r\nOK", true},
		{"ERROR", false},
		{"BROKEN", false}, // "OK" inside a word must not count
		{"", false},
	}
	for _, c := range cases {
		if got := okToken.MatchString(c.resp); got != c.ok {
			t.Errorf("okToken(%q) = %v, want %v", c.resp, got, c.ok)
		}
	}
}

func TestATDispatch(t *testing.T) {
	t.Run("no helper and no TTY fails cleanly", func(t *testing.T) {
		e := &Exec{HelperPath: "/nonexistent/gl_modem", Log: zap.NewNop().Sugar()}
		out, code := e.AT(context.Background(), "AT+CFUN=1")
		if code == 0 {
			t.Errorf("expected failure, got success with output %q", out)
		}
	})
}

func TestFakeRecordsCalls(t *testing.T) {
	f := &Fake{}
	f.Shell(context.Background(), "uci get network.wan")
	f.AT(context.Background(), "AT+CIMI")

	calls := f.Calls()
	if len(calls) != 2 {
		t.Fatalf("recorded %d calls, want 2", len(calls))
	}
	if calls[0].Kind != "shell" || calls[1].Kind != "at" {
		t.Errorf("unexpected call kinds: %+v", calls)
	}
}
