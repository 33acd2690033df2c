package invoke

import (
	"context"
	"sync"
)

// Call is one invocation observed by a Recorder.
type Call struct {
	Name    string
	Payload []byte
	Async   bool
}

// Recorder is an Invoker that records every call instead of running it.
// Failures can be injected per function name. Useful for testing.
type Recorder struct {
	mu       sync.Mutex
	calls    []Call
	failures map[string]error
	response []byte
}

// NewRecorder creates a Recorder whose synchronous calls return response.
func NewRecorder(response []byte) *Recorder {
	return &Recorder{
		failures: make(map[string]error),
		response: response,
	}
}

// FailWith makes every later call to name return err.
func (r *Recorder) FailWith(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[name] = err
}

func (r *Recorder) record(name string, payload []byte, async bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{
		Name:    name,
		Payload: append([]byte(nil), payload...),
		Async:   async,
	})
	return r.failures[name]
}

// Invoke records a synchronous call.
func (r *Recorder) Invoke(_ context.Context, name string, payload []byte) ([]byte, error) {
	if err := r.record(name, payload, false); err != nil {
		return nil, err
	}
	return r.response, nil
}

// InvokeAsync records an asynchronous call.
func (r *Recorder) InvokeAsync(_ context.Context, name string, payload []byte) error {
	return r.record(name, payload, true)
}

// Calls returns a snapshot of every recorded call, in call order.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// CallsTo returns the recorded calls to name.
func (r *Recorder) CallsTo(name string) []Call {
	var out []Call
	for _, c := range r.Calls() {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// Reset forgets every recorded call. Injected failures are kept.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}

// Compile-time check
var _ Invoker = (*Recorder)(nil)
