package posepipe

import (
	"errors"
)

var (
	// ErrPoolClosed is returned when acquiring a request from a closed pool
	ErrPoolClosed = errors.New("request pool is closed")
	// ErrNoOutputs is returned when accessing the outputs of an empty
	// RequestResult, which indicates a caller bug rather than a result
	// that is not ready yet
	ErrNoOutputs = errors.New("request result has no outputs")
)

// InferRequest is one reusable execution context of an inference engine.
// A request executes one model invocation at a time and is reused across
// frames by the RequestPool
type InferRequest interface {
	// SetInput copies the tensor data into the request's named input
	SetInput(name string, t Tensor) error
	// Output returns the named output tensor of the last completed
	// execution.  The returned tensor may alias engine owned memory and
	// is only valid until the next execution starts
	Output(name string) (Tensor, error)
	// StartAsync begins asynchronous execution and returns immediately.
	// The onDone callback is invoked on an engine managed goroutine once
	// execution completes, with any execution fault as its argument
	StartAsync(onDone func(err error)) error
}

// ExecutableNetwork is a model loaded and compiled by an inference
// engine, able to spawn InferRequest execution contexts
type ExecutableNetwork interface {
	// CreateInferRequest allocates a new reusable execution context
	CreateInferRequest() (InferRequest, error)
	// InputInfo describes the model input tensors
	InputInfo() []TensorInfo
	// OutputInfo describes the model output tensors
	OutputInfo() []TensorInfo
	// Close releases the network and all requests created from it
	Close() error
}
