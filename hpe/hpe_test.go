package hpe

import (
	"fmt"
	"math"
	"strings"
	"testing"

	"gocv.io/x/gocv"

	"github.com/poseworks/go-posepipe"
	"github.com/poseworks/go-posepipe/postprocess"
)

// stubRequest is an InferRequest that never completes, topology tests
// only exercise model construction
type stubRequest struct{}

func (r *stubRequest) SetInput(name string, t posepipe.Tensor) error {
	return nil
}

func (r *stubRequest) Output(name string) (posepipe.Tensor, error) {
	return posepipe.Tensor{}, nil
}

func (r *stubRequest) StartAsync(onDone func(err error)) error {
	return nil
}

// stubNetwork reports a configurable topology
type stubNetwork struct {
	inputs  []posepipe.TensorInfo
	outputs []posepipe.TensorInfo
}

func (n *stubNetwork) CreateInferRequest() (posepipe.InferRequest, error) {
	return &stubRequest{}, nil
}

func (n *stubNetwork) InputInfo() []posepipe.TensorInfo {
	return n.inputs
}

func (n *stubNetwork) OutputInfo() []posepipe.TensorInfo {
	return n.outputs
}

func (n *stubNetwork) Close() error {
	return nil
}

// openPoseNetwork returns a stub with the topology of the COCO 18
// keypoint OpenPose model
func openPoseNetwork() *stubNetwork {
	return &stubNetwork{
		inputs: []posepipe.TensorInfo{
			{Name: "data", Dims: []int{1, 3, 256, 456}},
		},
		outputs: []posepipe.TensorInfo{
			{Name: "pafs", Dims: []int{1, 38, 32, 57}},
			{Name: "heatmaps", Dims: []int{1, 19, 32, 57}},
		},
	}
}

func TestNewModelValidTopology(t *testing.T) {

	m, err := NewModel(openPoseNetwork(), 2, postprocess.OpenPoseCOCOParams())

	if err != nil {
		t.Fatalf("Error creating model: %v", err)
	}
	defer m.Close()

	if m.heatmapName != "heatmaps" {
		t.Errorf("Expected heatmap output %q, got %q", "heatmaps", m.heatmapName)
	}

	if m.pafName != "pafs" {
		t.Errorf("Expected paf output %q, got %q", "pafs", m.pafName)
	}
}

func TestNewModelNHWCTopology(t *testing.T) {

	net := &stubNetwork{
		inputs: []posepipe.TensorInfo{
			{Name: "image", Dims: []int{1, 256, 456, 3},
				Layout: posepipe.TensorNHWC},
		},
		outputs: []posepipe.TensorInfo{
			{Name: "heatmaps", Dims: []int{1, 32, 57, 19},
				Layout: posepipe.TensorNHWC},
			{Name: "pafs", Dims: []int{1, 32, 57, 38},
				Layout: posepipe.TensorNHWC},
		},
	}

	m, err := NewModel(net, 2, postprocess.OpenPoseCOCOParams())

	if err != nil {
		t.Fatalf("Error creating model: %v", err)
	}
	defer m.Close()

	if m.heatmapName != "heatmaps" || m.pafName != "pafs" {
		t.Errorf("Outputs misclassified, heatmap=%q paf=%q", m.heatmapName,
			m.pafName)
	}
}

func TestToNCHW(t *testing.T) {

	info := posepipe.TensorInfo{
		Name:   "out",
		Dims:   []int{1, 2, 3, 4},
		Layout: posepipe.TensorNHWC,
	}

	src := posepipe.NewTensor("out", info.Dims)

	// cell (y, x, c) marked as y*100 + x*10 + c
	for y := 0; y < 2; y++ {
		for x := 0; x < 3; x++ {
			for c := 0; c < 4; c++ {
				src.Data[(y*3+x)*4+c] = float32(y*100 + x*10 + c)
			}
		}
	}

	got := toNCHW(src, info)

	if got.Channels() != 4 || got.Height() != 2 || got.Width() != 3 {
		t.Fatalf("Expected 4x2x3 NCHW tensor, got dims %v", got.Dims)
	}

	for c := 0; c < 4; c++ {
		plane, err := got.Channel(c)

		if err != nil {
			t.Fatalf("Error getting channel: %v", err)
		}

		for y := 0; y < 2; y++ {
			for x := 0; x < 3; x++ {
				want := float32(y*100 + x*10 + c)

				if plane[y*3+x] != want {
					t.Fatalf("Channel %d cell (%d, %d) expected %f, got %f",
						c, y, x, want, plane[y*3+x])
				}
			}
		}
	}

	// NCHW tensors pass through unchanged
	nchw := posepipe.NewTensor("out", []int{1, 4, 2, 3})
	same := toNCHW(nchw, posepipe.TensorInfo{Dims: nchw.Dims})

	if &same.Data[0] != &nchw.Data[0] {
		t.Error("Expected NCHW tensor passed through without copy")
	}
}

func TestNewModelTopologyValidation(t *testing.T) {

	tests := []struct {
		name    string
		mutate  func(n *stubNetwork)
		errPart string
	}{
		{
			name: "two inputs",
			mutate: func(n *stubNetwork) {
				n.inputs = append(n.inputs, n.inputs[0])
			},
			errPart: "inputs",
		},
		{
			name: "input not 4 dims",
			mutate: func(n *stubNetwork) {
				n.inputs[0].Dims = []int{3, 256, 456}
			},
			errPart: "4 dims",
		},
		{
			name: "input batch not 1",
			mutate: func(n *stubNetwork) {
				n.inputs[0].Dims = []int{2, 3, 256, 456}
			},
			errPart: "4 dims",
		},
		{
			name: "input not 3 channel",
			mutate: func(n *stubNetwork) {
				n.inputs[0].Dims = []int{1, 1, 256, 456}
			},
			errPart: "channels",
		},
		{
			name: "single output",
			mutate: func(n *stubNetwork) {
				n.outputs = n.outputs[:1]
			},
			errPart: "outputs",
		},
		{
			name: "unexpected output channels",
			mutate: func(n *stubNetwork) {
				n.outputs[1].Dims = []int{1, 7, 32, 57}
			},
			errPart: "channels",
		},
		{
			name: "two paf outputs",
			mutate: func(n *stubNetwork) {
				n.outputs[1].Dims = []int{1, 38, 32, 57}
			},
			errPart: "heatmaps",
		},
		{
			name: "spatial dims differ",
			mutate: func(n *stubNetwork) {
				n.outputs[1].Dims = []int{1, 19, 16, 28}
			},
			errPart: "spatial",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			net := openPoseNetwork()
			tc.mutate(net)

			_, err := NewModel(net, 2, postprocess.OpenPoseCOCOParams())

			if err == nil {
				t.Fatal("Expected topology error, got none")
			}

			if !strings.Contains(err.Error(), tc.errPart) {
				t.Errorf("Expected error mentioning %q, got %v", tc.errPart, err)
			}
		})
	}
}

func TestMatToTensor(t *testing.T) {

	net := openPoseNetwork()
	net.inputs[0].Dims = []int{1, 3, 4, 6}

	m, err := NewModel(net, 1, postprocess.OpenPoseCOCOParams())

	if err != nil {
		t.Fatalf("Error creating model: %v", err)
	}
	defer m.Close()

	img := gocv.NewMatWithSize(4, 6, gocv.MatTypeCV8UC3)
	defer img.Close()

	data, err := img.DataPtrUint8()

	if err != nil {
		t.Fatalf("Error accessing mat data: %v", err)
	}

	// mean pixel everywhere except one marker pixel at (1, 2)
	for i := range data {
		data[i] = 128
	}

	marker := (2*6 + 1) * 3
	data[marker] = 192   // blue
	data[marker+1] = 0   // green
	data[marker+2] = 128 // red

	tensor, err := m.matToTensor(img)

	if err != nil {
		t.Fatalf("Error converting mat: %v", err)
	}

	if len(tensor.Data) != 3*4*6 {
		t.Fatalf("Expected %d tensor elements, got %d", 3*4*6, len(tensor.Data))
	}

	plane := 4 * 6
	idx := 2*6 + 1

	checks := []struct {
		channel int
		want    float64
	}{
		{0, 0.25}, // (192-128)/256
		{1, -0.5}, // (0-128)/256
		{2, 0},
	}

	for _, c := range checks {
		got := float64(tensor.Data[c.channel*plane+idx])

		if math.Abs(got-c.want) > 1e-6 {
			t.Errorf("Channel %d marker expected %f, got %f", c.channel,
				c.want, got)
		}
	}

	// all other cells normalise to zero
	for i, v := range tensor.Data {
		if i%plane == idx {
			continue
		}

		if v != 0 {
			t.Fatalf("Cell %d expected 0, got %f", i, v)
		}
	}
}

// syncNetwork completes every request inline on StartAsync, the way an
// engine may when inference finishes faster than the submitting
// goroutine progresses
type syncNetwork struct {
	stubNetwork
	// onStarted runs after the completion callback has fired but before
	// StartAsync returns to the submitter
	onStarted func()
}

func (n *syncNetwork) CreateInferRequest() (posepipe.InferRequest, error) {
	return &syncRequest{net: n}, nil
}

type syncRequest struct {
	net *syncNetwork
}

func (r *syncRequest) SetInput(name string, t posepipe.Tensor) error {
	return nil
}

func (r *syncRequest) Output(name string) (posepipe.Tensor, error) {

	for _, info := range r.net.outputs {
		if info.Name == name {
			return posepipe.NewTensor(name, info.Dims), nil
		}
	}

	return posepipe.Tensor{}, fmt.Errorf("no output named %q", name)
}

func (r *syncRequest) StartAsync(onDone func(err error)) error {
	onDone(nil)

	if r.net.onStarted != nil {
		r.net.onStarted()
	}

	return nil
}

func TestResultRetrievableBeforeSubmitReturns(t *testing.T) {

	net := &syncNetwork{stubNetwork: *openPoseNetwork()}

	m, err := NewModel(net, 1, postprocess.OpenPoseCOCOParams())

	if err != nil {
		t.Fatalf("Error creating model: %v", err)
	}
	defer m.Close()

	type outcome struct {
		res *FrameResult
		err error
	}

	got := make(chan outcome, 1)

	// retrieve on another goroutine while SubmitFrame is still inside
	// StartAsync, with the frame already completed by the engine.  The
	// retrieval must see the frame's resizer
	net.onStarted = func() {
		done := make(chan struct{})

		go func() {
			res, err := m.GetResult()
			got <- outcome{res: res, err: err}
			close(done)
		}()

		<-done
	}

	img := gocv.NewMatWithSize(100, 200, gocv.MatTypeCV8UC3)
	defer img.Close()

	id, err := m.SubmitFrame(img)

	if err != nil {
		t.Fatalf("Error submitting frame: %v", err)
	}

	o := <-got

	if o.err != nil {
		t.Fatalf("Error retrieving frame during submission: %v", o.err)
	}

	if o.res == nil || o.res.FrameID != id {
		t.Fatalf("Expected frame %d retrieved, got %+v", id, o.res)
	}

	if len(o.res.Poses) != 0 {
		t.Errorf("Expected no poses on blank outputs, got %d", len(o.res.Poses))
	}
}

func TestSubmitFrameEmptyImage(t *testing.T) {

	m, err := NewModel(openPoseNetwork(), 1, postprocess.OpenPoseCOCOParams())

	if err != nil {
		t.Fatalf("Error creating model: %v", err)
	}
	defer m.Close()

	_, err = m.SubmitFrame(gocv.NewMat())

	if err == nil {
		t.Error("Expected error submitting empty image")
	}
}
