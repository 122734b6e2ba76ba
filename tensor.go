package posepipe

import (
	"fmt"
)

// TensorLayout defines the memory layout of tensor data
type TensorLayout int

const (
	TensorNCHW TensorLayout = 0
	TensorNHWC TensorLayout = 1
)

// String returns a readable description of the TensorLayout
func (l TensorLayout) String() string {
	switch l {
	case TensorNCHW:
		return "NCHW"
	case TensorNHWC:
		return "NHWC"
	default:
		return "UNKNOWN"
	}
}

// TensorInfo describes one named input or output tensor of a loaded
// model, as reported by the engine backend
type TensorInfo struct {
	// Name is the tensor name in the model
	Name string
	// Dims are the tensor dimensions, eg: [1, 3, 256, 456]
	Dims []int
	// Layout is the memory layout of the tensor data
	Layout TensorLayout
}

// Elements returns the total number of elements described by Dims
func (i TensorInfo) Elements() int {
	n := 1

	for _, d := range i.Dims {
		n *= d
	}

	return n
}

// String returns the TensorInfo attributes formatted as a string
func (i TensorInfo) String() string {
	return fmt.Sprintf("name=%s, dims=%v, layout=%s", i.Name, i.Dims,
		i.Layout.String())
}

// Tensor holds the float32 data of one named tensor.  Dims follow the
// NCHW convention used by the supported models
type Tensor struct {
	// Name is the tensor name in the model
	Name string
	// Dims are the tensor dimensions
	Dims []int
	// Data is the tensor data in row major order
	Data []float32
}

// NewTensor allocates a zero filled tensor with the given dimensions
func NewTensor(name string, dims []int) Tensor {

	n := 1

	for _, d := range dims {
		n *= d
	}

	return Tensor{
		Name: name,
		Dims: append([]int(nil), dims...),
		Data: make([]float32, n),
	}
}

// Channels returns the channel count of a 4 dimensional NCHW tensor
func (t Tensor) Channels() int {
	if len(t.Dims) != 4 {
		return 0
	}
	return t.Dims[1]
}

// Height returns the height of a 4 dimensional NCHW tensor
func (t Tensor) Height() int {
	if len(t.Dims) != 4 {
		return 0
	}
	return t.Dims[2]
}

// Width returns the width of a 4 dimensional NCHW tensor
func (t Tensor) Width() int {
	if len(t.Dims) != 4 {
		return 0
	}
	return t.Dims[3]
}

// Channel returns the data plane of channel c of a 4 dimensional NCHW
// tensor.  The returned slice aliases the tensor data
func (t Tensor) Channel(c int) ([]float32, error) {

	if len(t.Dims) != 4 {
		return nil, fmt.Errorf("tensor %q is not 4 dimensional, dims=%v",
			t.Name, t.Dims)
	}

	if c < 0 || c >= t.Channels() {
		return nil, fmt.Errorf("channel %d out of range [0-%d)", c,
			t.Channels())
	}

	plane := t.Height() * t.Width()
	return t.Data[c*plane : (c+1)*plane], nil
}

// Clone returns a deep copy of the tensor
func (t Tensor) Clone() Tensor {
	return Tensor{
		Name: t.Name,
		Dims: append([]int(nil), t.Dims...),
		Data: append([]float32(nil), t.Data...),
	}
}
