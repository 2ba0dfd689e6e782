package cmdio

import (
	"context"
	"sync"
)

// Call records one command issued through a Fake.
type Call struct {
	Kind    string // "shell" or "at"
	Command string
}

// Fake is a scriptable Runner for tests. Responses come from ShellFn /
// ATFn when set, otherwise empty success. Every call is recorded so
// tests can assert on exactly which commands were (not) issued.
type Fake struct {
	mu      sync.Mutex
	calls   []Call
	ShellFn func(command string) (string, int)
	ATFn    func(command string) (string, int)
}

func (f *Fake) Shell(_ context.Context, command string) (string, int) {
	f.record("shell", command)
	if f.ShellFn != nil {
		return f.ShellFn(command)
	}
	return "", 0
}

func (f *Fake) AT(_ context.Context, command string) (string, int) {
	f.record("at", command)
	if f.ATFn != nil {
		return f.ATFn(command)
	}
	return "OK", 0
}

func (f *Fake) record(kind, command string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Kind: kind, Command: command})
}

// Calls returns a copy of everything issued so far.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}
