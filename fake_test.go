package posepipe

import (
	"fmt"
	"sync"
)

// fakeRequest is an InferRequest whose completion is triggered manually
// by the test, allowing completion order and faults to be scripted
type fakeRequest struct {
	net     *fakeNetwork
	mu      sync.Mutex
	inputs  map[string]Tensor
	outputs map[string]Tensor
}

func (r *fakeRequest) SetInput(name string, t Tensor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inputs == nil {
		r.inputs = make(map[string]Tensor)
	}
	r.inputs[name] = t.Clone()
	return nil
}

func (r *fakeRequest) Output(name string) (Tensor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.outputs[name]

	if !ok {
		return Tensor{}, fmt.Errorf("no output named %q", name)
	}

	return t, nil
}

func (r *fakeRequest) StartAsync(onDone func(err error)) error {
	r.net.mu.Lock()
	defer r.net.mu.Unlock()

	if r.net.startErr != nil {
		return r.net.startErr
	}

	r.net.started = append(r.net.started, &startedExec{req: r, done: onDone})
	return nil
}

// startedExec records one StartAsync invocation in submission order
type startedExec struct {
	req  *fakeRequest
	done func(err error)
}

// fakeNetwork is an ExecutableNetwork for tests.  Completions are
// driven by complete(), indexed by submission order
type fakeNetwork struct {
	mu       sync.Mutex
	started  []*startedExec
	requests []*fakeRequest
	outputs  []TensorInfo
	startErr error
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		outputs: []TensorInfo{
			{Name: "out", Dims: []int{1, 1, 2, 2}},
		},
	}
}

func (n *fakeNetwork) CreateInferRequest() (InferRequest, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	req := &fakeRequest{net: n}
	n.requests = append(n.requests, req)
	return req, nil
}

func (n *fakeNetwork) InputInfo() []TensorInfo {
	return []TensorInfo{{Name: "in", Dims: []int{1, 3, 2, 2}}}
}

func (n *fakeNetwork) OutputInfo() []TensorInfo {
	return n.outputs
}

func (n *fakeNetwork) Close() error {
	return nil
}

// startedCount returns the number of executions started so far
func (n *fakeNetwork) startedCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()

	return len(n.started)
}

// complete finishes the i'th started execution (submission order) with
// the given fault, filling the request outputs with the frame marker
// value first
func (n *fakeNetwork) complete(i int, marker float32, execErr error) {
	n.mu.Lock()
	exec := n.started[i]
	n.mu.Unlock()

	exec.req.mu.Lock()
	exec.req.outputs = map[string]Tensor{
		"out": {
			Name: "out",
			Dims: []int{1, 1, 2, 2},
			Data: []float32{marker, marker, marker, marker},
		},
	}
	exec.req.mu.Unlock()

	exec.done(execErr)
}
