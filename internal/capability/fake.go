package capability

import (
	"context"
	"fmt"
	"sync"
)

// FakeInvoker is a scripted Invoker for tests and dry runs. Responses
// are keyed by capability name and consumed in order; when a script for
// a name runs out its last entry repeats.
type FakeInvoker struct {
	mu      sync.Mutex
	scripts map[string][]FakeResponse
	cursor  map[string]int
	calls   []FakeCall
}

// FakeResponse is one scripted reply.
type FakeResponse struct {
	Output Output
	Err    error
}

// FakeCall records one observed invocation.
type FakeCall struct {
	Name  string
	Input Input
}

// NewFakeInvoker returns an empty scripted invoker; unscripted
// capabilities fail loudly.
func NewFakeInvoker() *FakeInvoker {
	return &FakeInvoker{
		scripts: make(map[string][]FakeResponse),
		cursor:  make(map[string]int),
	}
}

// Script appends replies for a capability name.
func (f *FakeInvoker) Script(name string, responses ...FakeResponse) *FakeInvoker {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[name] = append(f.scripts[name], responses...)
	return f
}

// ScriptJSON is shorthand for a successful JSON reply.
func (f *FakeInvoker) ScriptJSON(name, payload string) *FakeInvoker {
	return f.Script(name, FakeResponse{Output: Output{JSON: []byte(payload), Text: payload}})
}

// Invoke returns the next scripted reply for name.
func (f *FakeInvoker) Invoke(ctx context.Context, name string, input Input) (Output, error) {
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, FakeCall{Name: name, Input: input})

	script, ok := f.scripts[name]
	if !ok || len(script) == 0 {
		return Output{}, &Error{Capability: name, Err: fmt.Errorf("no scripted response")}
	}
	i := f.cursor[name]
	if i >= len(script) {
		i = len(script) - 1
	} else {
		f.cursor[name]++
	}
	r := script[i]
	return r.Output, r.Err
}

// Calls returns every observed invocation in order.
func (f *FakeInvoker) Calls() []FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallCount returns how many times name was invoked.
func (f *FakeInvoker) CallCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Name == name {
			n++
		}
	}
	return n
}
