// Package hpe wires a loaded human pose estimation network into the
// asynchronous pipeline, handling image preprocessing into the input
// tensor and decoding of the raw outputs into poses
package hpe

import (
	"fmt"
	"image/color"
	"sync"

	"gocv.io/x/gocv"

	"github.com/poseworks/go-posepipe"
	"github.com/poseworks/go-posepipe/postprocess"
	"github.com/poseworks/go-posepipe/postprocess/result"
	"github.com/poseworks/go-posepipe/preprocess"
)

// meanPixel is the letterbox padding color, the mean pixel value the
// OpenPose models are trained with
var meanPixel = color.RGBA{R: 128, G: 128, B: 128, A: 255}

// FrameResult holds the decoded poses of one frame
type FrameResult struct {
	// FrameID is the pipeline frame id the poses belong to
	FrameID int64
	// Poses are the detected persons in source image coordinates
	Poses []result.HumanPose
}

// Model runs an OpenPose topology network through the asynchronous
// pipeline.  Frames are submitted without blocking on inference and
// results retrieved strictly in submission order.  Submission and
// retrieval are each single consumer operations
type Model struct {
	pipe *posepipe.Pipeline
	op   *postprocess.OpenPose

	// input is the model input tensor description
	input posepipe.TensorInfo
	// heatmapName and pafName are the classified model output names
	heatmapName string
	pafName     string
	heatmapInfo posepipe.TensorInfo
	pafInfo     posepipe.TensorInfo

	// mean and scale normalise input pixels, value = (pixel-mean)*scale
	mean  float32
	scale float32

	mu sync.Mutex
	// resizers caches one Resizer per seen source image size
	resizers map[[2]int]*preprocess.Resizer
}

// NewModel validates the network against the OpenPose topology and
// returns a Model running inference through a pipeline of poolSize
// asynchronous requests.  The network must have a single batch 1, 3
// channel NCHW input and two outputs with matching spatial dimensions,
// one holding the keypoint heatmaps and one the part affinity fields
func NewModel(net posepipe.ExecutableNetwork, poolSize int,
	params postprocess.OpenPoseParams) (*Model, error) {

	m := &Model{
		op:       postprocess.NewOpenPose(params),
		mean:     128,
		scale:    1.0 / 256,
		resizers: make(map[[2]int]*preprocess.Resizer),
	}

	if err := m.classifyTensors(net, params.KeyPointsNumber); err != nil {
		return nil, err
	}

	pipe, err := posepipe.NewPipeline(net, poolSize)

	if err != nil {
		return nil, err
	}

	m.pipe = pipe
	return m, nil
}

// channelsOf returns the channel count of a 4 dimensional tensor
// honouring its layout
func channelsOf(info posepipe.TensorInfo) int {
	if info.Layout == posepipe.TensorNHWC {
		return info.Dims[3]
	}
	return info.Dims[1]
}

// spatialOf returns the height and width of a 4 dimensional tensor
// honouring its layout
func spatialOf(info posepipe.TensorInfo) (int, int) {
	if info.Layout == posepipe.TensorNHWC {
		return info.Dims[1], info.Dims[2]
	}
	return info.Dims[2], info.Dims[3]
}

// classifyTensors validates the network input and output descriptions
// and records which output holds heatmaps and which part affinity fields
func (m *Model) classifyTensors(net posepipe.ExecutableNetwork,
	keyPoints int) error {

	inputs := net.InputInfo()

	if len(inputs) != 1 {
		return fmt.Errorf("model has %d inputs, want 1", len(inputs))
	}

	m.input = inputs[0]

	if len(m.input.Dims) != 4 || m.input.Dims[0] != 1 {
		return fmt.Errorf("input %q has unsupported dims %v, want 4 dims batch 1",
			m.input.Name, m.input.Dims)
	}

	if channelsOf(m.input) != 3 {
		return fmt.Errorf("input %q has %d channels, want 3", m.input.Name,
			channelsOf(m.input))
	}

	outputs := net.OutputInfo()

	if len(outputs) != 2 {
		return fmt.Errorf("model has %d outputs, want 2", len(outputs))
	}

	heatmapChannels := keyPoints + 1
	pafChannels := 2 * (keyPoints + 1)

	for _, out := range outputs {
		if len(out.Dims) != 4 || out.Dims[0] != 1 {
			return fmt.Errorf("output %q has unsupported dims %v, want 4 dims batch 1",
				out.Name, out.Dims)
		}

		switch channelsOf(out) {
		case pafChannels:
			m.pafName = out.Name
			m.pafInfo = out
		case heatmapChannels:
			m.heatmapName = out.Name
			m.heatmapInfo = out
		default:
			return fmt.Errorf("output %q has %d channels, want %d heatmaps or %d pafs",
				out.Name, channelsOf(out), heatmapChannels, pafChannels)
		}
	}

	if m.heatmapName == "" || m.pafName == "" {
		return fmt.Errorf("model outputs do not include both heatmaps and pafs")
	}

	hmHeight, hmWidth := spatialOf(m.heatmapInfo)
	pafHeight, pafWidth := spatialOf(m.pafInfo)

	if hmHeight != pafHeight || hmWidth != pafWidth {
		return fmt.Errorf("output spatial dims differ, %v vs %v",
			m.heatmapInfo.Dims, m.pafInfo.Dims)
	}

	return nil
}

// SetInputNormalization overrides the default pixel normalisation of
// (pixel-128)/256 applied when building the input tensor.  Use mean 0
// and scale 1 for models that take raw pixel values
func (m *Model) SetInputNormalization(mean, scale float32) {
	m.mean = mean
	m.scale = scale
}

// resizerFor returns the cached Resizer for the given source size,
// creating it on first use
func (m *Model) resizerFor(srcWidth, srcHeight int) *preprocess.Resizer {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := [2]int{srcWidth, srcHeight}

	if r, ok := m.resizers[key]; ok {
		return r
	}

	height, width := spatialOf(m.input)
	r := preprocess.NewResizer(srcWidth, srcHeight, width, height)
	m.resizers[key] = r

	return r
}

// SubmitFrame letterboxes the given BGR image into the model input
// tensor and starts its asynchronous inference, returning the assigned
// frame id without waiting for completion.  It blocks only while all
// pipeline requests are busy
func (m *Model) SubmitFrame(img gocv.Mat) (int64, error) {

	if img.Empty() {
		return -1, fmt.Errorf("source image is empty")
	}

	resizer := m.resizerFor(img.Cols(), img.Rows())

	boxed := gocv.NewMat()
	defer boxed.Close()

	resizer.LetterBoxResize(img, &boxed, meanPixel)

	tensor, err := m.matToTensor(boxed)

	if err != nil {
		return -1, err
	}

	// the resizer rides along as the frame meta so retrieval can map
	// coordinates back to the source image.  It is bound before the
	// engine can complete the frame, a consumer retrieving concurrently
	// with this call always finds it on the result
	return m.pipe.SubmitRequest(
		map[string]posepipe.Tensor{m.input.Name: tensor}, resizer)
}

// matToTensor converts a letterboxed 8 bit BGR Mat into the normalised
// input tensor in the model's layout, keeping the BGR channel order the
// models are trained with
func (m *Model) matToTensor(img gocv.Mat) (posepipe.Tensor, error) {

	height, width := spatialOf(m.input)

	if img.Rows() != height || img.Cols() != width {
		return posepipe.Tensor{}, fmt.Errorf(
			"letterboxed image is %dx%d, input wants %dx%d",
			img.Cols(), img.Rows(), width, height)
	}

	data, err := img.DataPtrUint8()

	if err != nil {
		return posepipe.Tensor{}, fmt.Errorf("error accessing mat data: %w", err)
	}

	if len(data) != height*width*3 {
		return posepipe.Tensor{}, fmt.Errorf(
			"mat holds %d bytes, want %d 8 bit BGR pixels", len(data),
			height*width)
	}

	t := posepipe.NewTensor(m.input.Name, m.input.Dims)
	plane := height * width

	if m.input.Layout == posepipe.TensorNHWC {
		for i, b := range data {
			t.Data[i] = (float32(b) - m.mean) * m.scale
		}

		return t, nil
	}

	// HWC bytes to normalised CHW floats
	for i := 0; i < plane; i++ {
		px := data[i*3:]
		t.Data[i] = (float32(px[0]) - m.mean) * m.scale
		t.Data[plane+i] = (float32(px[1]) - m.mean) * m.scale
		t.Data[2*plane+i] = (float32(px[2]) - m.mean) * m.scale
	}

	return t, nil
}

// GetResult retrieves the decoded poses of the next frame in submission
// order.  A nil FrameResult is returned without error when that frame
// has not completed yet.  A fault captured during the frame's inference
// is returned here, exactly once, with the frame id it belongs to
func (m *Model) GetResult() (*FrameResult, error) {

	res, err := m.pipe.GetResult()

	if res.IsEmpty() {
		return nil, err
	}

	if err != nil {
		return &FrameResult{FrameID: res.FrameID}, err
	}

	resizer, ok := res.Meta.(*preprocess.Resizer)

	if !ok {
		return &FrameResult{FrameID: res.FrameID},
			fmt.Errorf("no resizer recorded for frame %d", res.FrameID)
	}

	heatmaps, ok := res.Outputs[m.heatmapName]

	if !ok {
		return &FrameResult{FrameID: res.FrameID},
			fmt.Errorf("result of frame %d is missing output %q", res.FrameID,
				m.heatmapName)
	}

	pafs, ok := res.Outputs[m.pafName]

	if !ok {
		return &FrameResult{FrameID: res.FrameID},
			fmt.Errorf("result of frame %d is missing output %q", res.FrameID,
				m.pafName)
	}

	poses, err := m.op.ExtractPoses(toNCHW(heatmaps, m.heatmapInfo),
		toNCHW(pafs, m.pafInfo), resizer)

	if err != nil {
		return &FrameResult{FrameID: res.FrameID},
			fmt.Errorf("error decoding poses of frame %d: %w", res.FrameID, err)
	}

	return &FrameResult{FrameID: res.FrameID, Poses: poses}, nil
}

// toNCHW transposes an NHWC output tensor into the NCHW layout the pose
// decoder works in.  NCHW tensors pass through untouched
func toNCHW(t posepipe.Tensor, info posepipe.TensorInfo) posepipe.Tensor {

	if info.Layout != posepipe.TensorNHWC {
		return t
	}

	height, width := spatialOf(info)
	channels := channelsOf(info)

	out := posepipe.NewTensor(t.Name, []int{1, channels, height, width})
	plane := height * width

	for i := 0; i < plane; i++ {
		for c := 0; c < channels; c++ {
			out.Data[c*plane+i] = t.Data[i*channels+c]
		}
	}

	return out
}

// WaitForData blocks until the next frame in submission order has
// completed
func (m *Model) WaitForData() {
	m.pipe.WaitForData()
}

// WaitForTotalCompletion blocks until every submitted frame has
// completed
func (m *Model) WaitForTotalCompletion() {
	m.pipe.WaitForTotalCompletion()
}

// PerformanceInfo returns a snapshot of the pipeline throughput counters
func (m *Model) PerformanceInfo() posepipe.PerformanceInfo {
	return m.pipe.PerformanceInfo()
}

// Close releases the pipeline and cached resizers.  The network remains
// owned by the caller
func (m *Model) Close() error {
	m.pipe.Close()

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.resizers {
		r.Close()
	}

	m.resizers = nil

	return nil
}
