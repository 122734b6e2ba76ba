// Package tflite backs the engine interfaces with TensorFlow Lite
// through the go-tflite binding.  Each InferRequest owns its own
// interpreter over a shared model so requests execute concurrently
package tflite

import (
	"fmt"
	"sync"

	"github.com/mattn/go-tflite"

	"github.com/poseworks/go-posepipe"
)

// Network is a posepipe.ExecutableNetwork backed by a TensorFlow Lite
// model file
type Network struct {
	model   *tflite.Model
	threads int

	inputs  []posepipe.TensorInfo
	outputs []posepipe.TensorInfo

	mu       sync.Mutex
	requests []*Request
	closed   bool
}

// NewNetwork loads the given TensorFlow Lite model file and returns a
// Network ready to create inference requests from.  Threads limits the
// interpreter thread count per request
func NewNetwork(modelPath string, threads int) (*Network, error) {

	model := tflite.NewModelFromFile(modelPath)

	if model == nil {
		return nil, fmt.Errorf("cannot load model %s", modelPath)
	}

	n := &Network{
		model:   model,
		threads: threads,
	}

	// probe interpreter to read the tensor descriptions
	interp, err := n.newInterpreter()

	if err != nil {
		model.Delete()
		return nil, err
	}
	defer interp.Delete()

	for i := 0; i < interp.GetInputTensorCount(); i++ {
		n.inputs = append(n.inputs, toTensorInfo(interp.GetInputTensor(i)))
	}

	for i := 0; i < interp.GetOutputTensorCount(); i++ {
		n.outputs = append(n.outputs, toTensorInfo(interp.GetOutputTensor(i)))
	}

	return n, nil
}

// toTensorInfo converts the tflite tensor description.  TensorFlow Lite
// models hold image tensors in NHWC layout
func toTensorInfo(t *tflite.Tensor) posepipe.TensorInfo {

	dims := make([]int, t.NumDims())

	for i := range dims {
		dims[i] = t.Dim(i)
	}

	layout := posepipe.TensorNCHW

	if len(dims) == 4 {
		layout = posepipe.TensorNHWC
	}

	return posepipe.TensorInfo{
		Name:   t.Name(),
		Dims:   dims,
		Layout: layout,
	}
}

func (n *Network) newInterpreter() (*tflite.Interpreter, error) {

	options := tflite.NewInterpreterOptions()
	defer options.Delete()

	if n.threads > 0 {
		options.SetNumThread(n.threads)
	}

	interp := tflite.NewInterpreter(n.model, options)

	if interp == nil {
		return nil, fmt.Errorf("cannot create interpreter")
	}

	if status := interp.AllocateTensors(); status != tflite.OK {
		interp.Delete()
		return nil, fmt.Errorf("error allocating interpreter tensors")
	}

	return interp, nil
}

// InputInfo describes the model input tensors
func (n *Network) InputInfo() []posepipe.TensorInfo {
	return n.inputs
}

// OutputInfo describes the model output tensors
func (n *Network) OutputInfo() []posepipe.TensorInfo {
	return n.outputs
}

// CreateInferRequest creates an interpreter based execution context
func (n *Network) CreateInferRequest() (posepipe.InferRequest, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil, fmt.Errorf("network is closed")
	}

	interp, err := n.newInterpreter()

	if err != nil {
		return nil, err
	}

	req := &Request{net: n, interp: interp}
	n.requests = append(n.requests, req)

	return req, nil
}

// Close releases all interpreters and the model
func (n *Network) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil
	}

	n.closed = true

	for _, req := range n.requests {
		req.interp.Delete()
	}

	n.requests = nil
	n.model.Delete()

	return nil
}

// Request is one TensorFlow Lite interpreter.  A Request executes one
// invocation at a time
type Request struct {
	net    *Network
	interp *tflite.Interpreter
}

// SetInput copies the tensor data into the named interpreter input.
// Only float32 model inputs are supported
func (r *Request) SetInput(name string, t posepipe.Tensor) error {

	for i := 0; i < r.interp.GetInputTensorCount(); i++ {
		in := r.interp.GetInputTensor(i)

		if in.Name() != name {
			continue
		}

		if in.Type() != tflite.Float32 {
			return fmt.Errorf("input %q has unsupported element type %v",
				name, in.Type())
		}

		want := len(in.Float32s())

		if len(t.Data) != want {
			return fmt.Errorf("input %q takes %d elements, got %d", name,
				want, len(t.Data))
		}

		in.SetFloat32s(t.Data)
		return nil
	}

	return fmt.Errorf("model has no input named %q", name)
}

// StartAsync invokes the interpreter on a new goroutine and reports
// completion through onDone
func (r *Request) StartAsync(onDone func(err error)) error {

	go func() {
		if status := r.interp.Invoke(); status != tflite.OK {
			onDone(fmt.Errorf("interpreter invoke failed with status %v", status))
			return
		}

		onDone(nil)
	}()

	return nil
}

// Output returns the named output of the last completed invocation.
// Quantized uint8 outputs are scaled into [0, 1]
func (r *Request) Output(name string) (posepipe.Tensor, error) {

	for i := 0; i < r.interp.GetOutputTensorCount(); i++ {
		out := r.interp.GetOutputTensor(i)

		if out.Name() != name {
			continue
		}

		dims := make([]int, out.NumDims())

		for d := range dims {
			dims[d] = out.Dim(d)
		}

		t := posepipe.Tensor{Name: name, Dims: dims}

		switch out.Type() {
		case tflite.Float32:
			t.Data = out.Float32s()

		case tflite.UInt8:
			raw := out.UInt8s()
			t.Data = make([]float32, len(raw))

			for j, v := range raw {
				t.Data[j] = float32(v) / 255
			}

		default:
			return posepipe.Tensor{}, fmt.Errorf(
				"output %q has unsupported element type %v", name, out.Type())
		}

		return t, nil
	}

	return posepipe.Tensor{}, fmt.Errorf("model has no output named %q", name)
}
