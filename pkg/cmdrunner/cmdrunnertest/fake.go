// Package cmdrunnertest provides a scripted cmdrunner.Runner for tests.
package cmdrunnertest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/fenio/zol-iscsi/pkg/cmdrunner"
)

// Response is the scripted outcome of one command.
type Response struct {
	// Err simulates a transport failure; the command gets no exit code.
	Err      error
	Stdout   string
	Stderr   string
	ExitCode int
}

// OK is a successful response with the given stdout.
func OK(stdout string) Response {
	return Response{Stdout: stdout}
}

// Fail is a failed response with the given exit code and stderr.
func Fail(code int, stderr string) Response {
	return Response{ExitCode: code, Stderr: stderr}
}

// Call is one recorded invocation.
type Call struct {
	Argv    []string
	Options cmdrunner.Options
}

// String returns the space-joined argv.
func (c Call) String() string {
	return strings.Join(c.Argv, " ")
}

type rule struct {
	handler   func(argv []string) Response
	prefix    string
	responses []Response
}

// Fake is a cmdrunner.Runner answering from rules matched by command prefix.
// Rules added later take precedence. Unmatched commands exit 127.
type Fake struct {
	rules []*rule
	calls []Call
	mu    sync.Mutex
}

var _ cmdrunner.Runner = (*Fake)(nil)

// New returns an empty Fake.
func New() *Fake {
	return &Fake{}
}

// On answers commands starting with prefix. Responses are consumed in order
// and the last one repeats.
func (f *Fake) On(prefix string, responses ...Response) *Fake {
	if len(responses) == 0 {
		responses = []Response{{}}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, &rule{prefix: prefix, responses: responses})
	return f
}

// Handle answers commands starting with prefix by calling fn.
func (f *Fake) Handle(prefix string, fn func(argv []string) Response) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, &rule{prefix: prefix, handler: fn})
	return f
}

// Run implements cmdrunner.Runner.
func (f *Fake) Run(_ context.Context, argv []string, opts ...cmdrunner.Option) (*cmdrunner.Result, error) {
	if len(argv) == 0 {
		return nil, cmdrunner.ErrEmptyCommand
	}
	o := cmdrunner.ResolveOptions(opts...)
	command := strings.Join(argv, " ")

	f.mu.Lock()
	f.calls = append(f.calls, Call{Argv: append([]string{}, argv...), Options: o})
	resp, handler := f.match(command)
	f.mu.Unlock()

	if handler != nil {
		resp = handler(argv)
	}

	if resp.Err != nil {
		return nil, &cmdrunner.ExecutionError{Command: argv, ExitCode: -1, Err: resp.Err}
	}
	res := &cmdrunner.Result{
		Command:  argv,
		Stdout:   resp.Stdout,
		Stderr:   resp.Stderr,
		ExitCode: resp.ExitCode,
	}
	return res, cmdrunner.Check(res, o)
}

// match must be called with f.mu held.
func (f *Fake) match(command string) (Response, func([]string) Response) {
	for i := len(f.rules) - 1; i >= 0; i-- {
		r := f.rules[i]
		if !strings.HasPrefix(command, r.prefix) {
			continue
		}
		if r.handler != nil {
			return Response{}, r.handler
		}
		resp := r.responses[0]
		if len(r.responses) > 1 {
			r.responses = r.responses[1:]
		}
		return resp, nil
	}
	return Fail(127, fmt.Sprintf("fake: no rule for %q", command)), nil
}

// Calls returns every recorded invocation.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call{}, f.calls...)
}

// Commands returns every recorded invocation as a space-joined string.
func (f *Fake) Commands() []string {
	calls := f.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.String()
	}
	return out
}

// Matching returns the recorded commands starting with prefix.
func (f *Fake) Matching(prefix string) []string {
	var out []string
	for _, c := range f.Commands() {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// Count returns how many recorded commands start with prefix.
func (f *Fake) Count(prefix string) int {
	return len(f.Matching(prefix))
}

// Index returns the position of the first recorded command starting with prefix, or -1.
func (f *Fake) Index(prefix string) int {
	for i, c := range f.Commands() {
		if strings.HasPrefix(c, prefix) {
			return i
		}
	}
	return -1
}

// Reset forgets recorded calls but keeps rules.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}
