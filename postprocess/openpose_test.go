package postprocess

import (
	"math"
	"strings"
	"testing"

	"github.com/poseworks/go-posepipe"
	"github.com/poseworks/go-posepipe/postprocess/result"
	"github.com/poseworks/go-posepipe/preprocess"
)

func TestExtractPosesChannelValidation(t *testing.T) {

	op := NewOpenPose(OpenPoseCOCOParams())
	resizer := preprocess.NewResizer(912, 512, 456, 256)
	defer resizer.Close()

	heatmaps := posepipe.NewTensor("heatmaps", []int{1, 19, 32, 57})
	pafs := posepipe.NewTensor("pafs", []int{1, 38, 32, 57})

	_, err := op.ExtractPoses(posepipe.NewTensor("heatmaps", []int{1, 4, 32, 57}),
		pafs, resizer)

	if err == nil || !strings.Contains(err.Error(), "heatmap") {
		t.Errorf("Expected heatmap channel error, got %v", err)
	}

	_, err = op.ExtractPoses(heatmaps,
		posepipe.NewTensor("pafs", []int{1, 4, 32, 57}), resizer)

	if err == nil || !strings.Contains(err.Error(), "paf") {
		t.Errorf("Expected paf channel error, got %v", err)
	}
}

func TestExtractPosesEmptyFrame(t *testing.T) {

	op := NewOpenPose(OpenPoseCOCOParams())
	resizer := preprocess.NewResizer(912, 512, 456, 256)
	defer resizer.Close()

	// all zero maps decode to no poses
	heatmaps := posepipe.NewTensor("heatmaps", []int{1, 19, 32, 57})
	pafs := posepipe.NewTensor("pafs", []int{1, 38, 32, 57})

	poses, err := op.ExtractPoses(heatmaps, pafs, resizer)

	if err != nil {
		t.Fatalf("Error extracting poses: %v", err)
	}

	if len(poses) != 0 {
		t.Errorf("Expected no poses on empty frame, got %d", len(poses))
	}
}

func TestCorrectCoordinates(t *testing.T) {

	op := NewOpenPose(OpenPoseCOCOParams())

	newPose := func(x, y float32) []result.HumanPose {
		pose := result.HumanPose{
			Keypoints: make([]result.KeyPoint, 18),
		}

		for i := range pose.Keypoints {
			pose.Keypoints[i] = result.Absent()
		}

		pose.Keypoints[0] = result.KeyPoint{X: x, Y: y}
		return []result.HumanPose{pose}
	}

	// no letterbox padding, source scaled by half.  The upsampled map
	// center corresponds to the source image center
	resizer := preprocess.NewResizer(912, 512, 456, 256)
	poses := newPose(114, 64)
	op.correctCoordinates(poses, 228, 128, resizer)

	kp := poses[0].Keypoints[0]

	if math.Abs(float64(kp.X)-456) > 1e-3 || math.Abs(float64(kp.Y)-256) > 1e-3 {
		t.Errorf("Expected keypoint at (456, 256), got (%f, %f)", kp.X, kp.Y)
	}

	if !poses[0].Keypoints[1].IsAbsent() {
		t.Errorf("Expected absent keypoint untouched, got %v", poses[0].Keypoints[1])
	}

	resizer.Close()

	// horizontal letterbox padding of 64 pixels each side
	resizer = preprocess.NewResizer(256, 512, 256, 256)
	defer resizer.Close()

	if resizer.PadLeft() != 64 || resizer.PadRight() != 64 {
		t.Fatalf("Unexpected padding L=%d R=%d", resizer.PadLeft(), resizer.PadRight())
	}

	poses = newPose(64, 64)
	op.correctCoordinates(poses, 128, 128, resizer)

	kp = poses[0].Keypoints[0]

	if math.Abs(float64(kp.X)-128) > 1e-3 || math.Abs(float64(kp.Y)-256) > 1e-3 {
		t.Errorf("Expected keypoint at (128, 256), got (%f, %f)", kp.X, kp.Y)
	}
}

func TestExtractPosesAssignsIncrementingIDs(t *testing.T) {

	op := NewOpenPose(OpenPoseCOCOParams())
	resizer := preprocess.NewResizer(912, 512, 456, 256)
	defer resizer.Close()

	pafs := makePafs(38, 32, 32, map[int]float32{
		12: 1.0,
		14: 1.0,
	})

	poses := groupPeaksToPoses(threeJointPeaks(), pafs, op.Params)
	op.correctCoordinates(poses, 32, 32, resizer)

	for i := range poses {
		poses[i].ID = op.idGen.GetNext()
	}

	if len(poses) != 1 || poses[0].ID != 1 {
		t.Errorf("Expected single pose with id 1, got %+v", poses)
	}

	if op.idGen.GetNext() != 2 {
		t.Error("Expected id generator to increment")
	}
}
