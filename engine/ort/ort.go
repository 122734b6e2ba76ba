// Package ort backs the engine interfaces with ONNX Runtime through the
// onnxruntime_go binding.  Each InferRequest owns its own session input
// and output tensors so requests of one network execute concurrently
package ort

import (
	"fmt"
	"runtime"
	"sync"

	onnxruntime "github.com/yalue/onnxruntime_go"

	"github.com/poseworks/go-posepipe"
)

// Init loads the ONNX Runtime shared library and initialises the
// environment.  Call once before creating networks, libPath may be empty
// to use the platform default library name
func Init(libPath string) error {

	if libPath != "" {
		onnxruntime.SetSharedLibraryPath(libPath)
	}

	if err := onnxruntime.InitializeEnvironment(); err != nil {
		return fmt.Errorf("error initializing onnxruntime: %w", err)
	}

	return nil
}

// Destroy releases the ONNX Runtime environment.  Call after all
// networks have been closed
func Destroy() error {
	return onnxruntime.DestroyEnvironment()
}

// Network is a posepipe.ExecutableNetwork backed by an ONNX model file
type Network struct {
	modelPath string
	threads   int

	inputs  []posepipe.TensorInfo
	outputs []posepipe.TensorInfo
	// outputTypes keeps the element type per output name, models with
	// half precision outputs are converted on retrieval
	outputTypes map[string]onnxruntime.TensorElementDataType

	mu       sync.Mutex
	requests []*Request
	closed   bool
}

// NewNetwork inspects the given ONNX model file and returns a Network
// ready to create inference requests from.  Threads limits the intra op
// thread count of each request's session, 0 uses all CPUs
func NewNetwork(modelPath string, threads int) (*Network, error) {

	inputs, outputs, err := onnxruntime.GetInputOutputInfo(modelPath)

	if err != nil {
		return nil, fmt.Errorf("error reading model %s: %w", modelPath, err)
	}

	n := &Network{
		modelPath:   modelPath,
		threads:     threads,
		outputTypes: make(map[string]onnxruntime.TensorElementDataType),
	}

	for _, info := range inputs {
		if info.DataType != onnxruntime.TensorElementDataTypeFloat {
			return nil, fmt.Errorf("input %q has unsupported element type %s",
				info.Name, info.DataType)
		}

		n.inputs = append(n.inputs, toTensorInfo(info))
	}

	for _, info := range outputs {
		switch info.DataType {
		case onnxruntime.TensorElementDataTypeFloat,
			onnxruntime.TensorElementDataTypeFloat16:
			n.outputTypes[info.Name] = info.DataType
		default:
			return nil, fmt.Errorf("output %q has unsupported element type %s",
				info.Name, info.DataType)
		}

		n.outputs = append(n.outputs, toTensorInfo(info))
	}

	return n, nil
}

// toTensorInfo converts the onnxruntime tensor description
func toTensorInfo(info onnxruntime.InputOutputInfo) posepipe.TensorInfo {

	dims := make([]int, len(info.Dimensions))

	for i, d := range info.Dimensions {
		dims[i] = int(d)
	}

	return posepipe.TensorInfo{
		Name:   info.Name,
		Dims:   dims,
		Layout: posepipe.TensorNCHW,
	}
}

// InputInfo describes the model input tensors
func (n *Network) InputInfo() []posepipe.TensorInfo {
	return n.inputs
}

// OutputInfo describes the model output tensors
func (n *Network) OutputInfo() []posepipe.TensorInfo {
	return n.outputs
}

// CreateInferRequest creates a session with preallocated input and
// output tensors
func (n *Network) CreateInferRequest() (posepipe.InferRequest, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil, fmt.Errorf("network is closed")
	}

	req, err := n.newRequest()

	if err != nil {
		return nil, err
	}

	n.requests = append(n.requests, req)
	return req, nil
}

func (n *Network) newRequest() (*Request, error) {

	opts, err := onnxruntime.NewSessionOptions()

	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer opts.Destroy()

	threads := n.threads

	if threads <= 0 {
		threads = runtime.NumCPU()
	}

	if err := opts.SetIntraOpNumThreads(threads); err != nil {
		return nil, fmt.Errorf("error setting session threads: %w", err)
	}

	req := &Request{
		inputs:  make(map[string]*onnxruntime.Tensor[float32]),
		f32Outs: make(map[string]*onnxruntime.Tensor[float32]),
		f16Outs: make(map[string]*onnxruntime.CustomDataTensor),
	}

	var inputNames []string
	var inputTensors []onnxruntime.ArbitraryTensor

	for _, info := range n.inputs {
		t, err := onnxruntime.NewEmptyTensor[float32](toShape(info.Dims))

		if err != nil {
			req.destroyTensors()
			return nil, fmt.Errorf("error creating input tensor %q: %w",
				info.Name, err)
		}

		req.inputs[info.Name] = t
		req.inputDims = append(req.inputDims, info)
		inputNames = append(inputNames, info.Name)
		inputTensors = append(inputTensors, t)
	}

	var outputNames []string
	var outputTensors []onnxruntime.ArbitraryTensor

	for _, info := range n.outputs {
		var t onnxruntime.ArbitraryTensor

		if n.outputTypes[info.Name] == onnxruntime.TensorElementDataTypeFloat16 {
			f16, err := onnxruntime.NewCustomDataTensor(toShape(info.Dims),
				make([]byte, info.Elements()*2),
				onnxruntime.TensorElementDataTypeFloat16)

			if err != nil {
				req.destroyTensors()
				return nil, fmt.Errorf("error creating output tensor %q: %w",
					info.Name, err)
			}

			req.f16Outs[info.Name] = f16
			t = f16
		} else {
			f32, err := onnxruntime.NewEmptyTensor[float32](toShape(info.Dims))

			if err != nil {
				req.destroyTensors()
				return nil, fmt.Errorf("error creating output tensor %q: %w",
					info.Name, err)
			}

			req.f32Outs[info.Name] = f32
			t = f32
		}

		req.outputDims = append(req.outputDims, info)
		outputNames = append(outputNames, info.Name)
		outputTensors = append(outputTensors, t)
	}

	session, err := onnxruntime.NewAdvancedSession(n.modelPath,
		inputNames, outputNames, inputTensors, outputTensors, opts)

	if err != nil {
		req.destroyTensors()
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	req.session = session
	return req, nil
}

func toShape(dims []int) onnxruntime.Shape {

	shape := make([]int64, len(dims))

	for i, d := range dims {
		shape[i] = int64(d)
	}

	return onnxruntime.NewShape(shape...)
}

// Close releases all requests created from the network
func (n *Network) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil
	}

	n.closed = true

	for _, req := range n.requests {
		req.destroy()
	}

	n.requests = nil
	return nil
}

// Request is one ONNX Runtime session with bound input and output
// tensors.  A Request executes one invocation at a time
type Request struct {
	session *onnxruntime.AdvancedSession

	inputs  map[string]*onnxruntime.Tensor[float32]
	f32Outs map[string]*onnxruntime.Tensor[float32]
	f16Outs map[string]*onnxruntime.CustomDataTensor

	inputDims  []posepipe.TensorInfo
	outputDims []posepipe.TensorInfo
}

// SetInput copies the tensor data into the session's bound input
func (r *Request) SetInput(name string, t posepipe.Tensor) error {

	in, ok := r.inputs[name]

	if !ok {
		return fmt.Errorf("model has no input named %q", name)
	}

	data := in.GetData()

	if len(t.Data) != len(data) {
		return fmt.Errorf("input %q takes %d elements, got %d", name,
			len(data), len(t.Data))
	}

	copy(data, t.Data)
	return nil
}

// StartAsync runs the session on a new goroutine and reports completion
// through onDone
func (r *Request) StartAsync(onDone func(err error)) error {

	go func() {
		onDone(r.session.Run())
	}()

	return nil
}

// Output returns the named output of the last completed run.  Float32
// outputs alias session owned memory, half precision outputs are
// converted into a fresh buffer
func (r *Request) Output(name string) (posepipe.Tensor, error) {

	info, ok := r.outputInfo(name)

	if !ok {
		return posepipe.Tensor{}, fmt.Errorf("model has no output named %q", name)
	}

	if out, ok := r.f32Outs[name]; ok {
		return posepipe.Tensor{
			Name: name,
			Dims: info.Dims,
			Data: out.GetData(),
		}, nil
	}

	out := r.f16Outs[name]
	raw := out.GetData()
	bits := make([]uint16, len(raw)/2)

	for i := range bits {
		bits[i] = uint16(raw[2*i]) | uint16(raw[2*i+1])<<8
	}

	return posepipe.Tensor{
		Name: name,
		Dims: info.Dims,
		Data: posepipe.Float16ToFloat32(bits),
	}, nil
}

func (r *Request) outputInfo(name string) (posepipe.TensorInfo, bool) {

	for _, info := range r.outputDims {
		if info.Name == name {
			return info, true
		}
	}

	return posepipe.TensorInfo{}, false
}

func (r *Request) destroyTensors() {

	for _, t := range r.inputs {
		t.Destroy()
	}

	for _, t := range r.f32Outs {
		t.Destroy()
	}

	for _, t := range r.f16Outs {
		t.Destroy()
	}
}

func (r *Request) destroy() {

	if r.session != nil {
		r.session.Destroy()
	}

	r.destroyTensors()
}
