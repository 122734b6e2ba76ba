package postprocess

import (
	"fmt"

	"github.com/poseworks/go-posepipe"
	"github.com/poseworks/go-posepipe/postprocess/result"
	"github.com/poseworks/go-posepipe/preprocess"
)

// OpenPose defines the struct for OpenPose model inference post processing
type OpenPose struct {
	// Params are the Model configuration parameters
	Params OpenPoseParams
	// idGen is a counter that increments and provides the next number
	// for each pose result ID
	idGen *result.IDGenerator
}

// OpenPoseParams defines the struct containing the OpenPose parameters to use
// for post processing operations
type OpenPoseParams struct {
	// KeyPointsNumber is the number of COCO keypoints representing different
	// parts of the body the pose model is trained on
	KeyPointsNumber int
	// Stride is the total downscaling factor between the model input and
	// its output feature maps
	Stride int
	// UpsampleRatio is the factor the output feature maps are upscaled by
	// before peak extraction
	UpsampleRatio int
	// MinPeaksDistance is the minimum distance in feature map cells between
	// two peaks of the same keypoint
	MinPeaksDistance float32
	// MidPointsScoreThreshold is the minimum part affinity field alignment
	// for a sampled limb point to count as support
	MidPointsScoreThreshold float32
	// FoundMidPointsRatioThreshold is the ratio of sampled limb points that
	// must have field support for a joint pair to become a limb
	FoundMidPointsRatioThreshold float32
	// MinJointsNumber is the minimum number of joints a pose must have
	MinJointsNumber int
	// MinSubsetScore is the minimum per joint score a pose must have
	MinSubsetScore float32
}

// OpenPoseCOCOParams returns an instance of OpenPoseParams configured with
// default values for a Model trained on the COCO dataset featuring:
// - KeyPoints Number: 18
// - Stride: 8
// - Upsample Ratio: 4
// - Minimum Peaks Distance: 3.0
// - Mid Points Score Threshold: 0.05
// - Found Mid Points Ratio Threshold: 0.8
// - Minimum Joints Number: 3
// - Minimum Subset Score: 0.2
func OpenPoseCOCOParams() OpenPoseParams {
	return OpenPoseParams{
		KeyPointsNumber:              18,
		Stride:                       8,
		UpsampleRatio:                4,
		MinPeaksDistance:             3.0,
		MidPointsScoreThreshold:      0.05,
		FoundMidPointsRatioThreshold: 0.8,
		MinJointsNumber:              3,
		MinSubsetScore:               0.2,
	}
}

// NewOpenPose returns an instance of the OpenPose post processor
func NewOpenPose(p OpenPoseParams) *OpenPose {
	return &OpenPose{
		Params: p,
		idGen:  result.NewIDGenerator(),
	}
}

// ExtractPoses takes the heatmap and part affinity field output tensors
// of one frame and decodes the human poses present.  The resizer is that
// used to letterbox the frame during preprocessing, keypoint coordinates
// in the returned poses are in source image space
func (o *OpenPose) ExtractPoses(heatmaps, pafs posepipe.Tensor,
	resizer *preprocess.Resizer) ([]result.HumanPose, error) {

	if heatmaps.Channels() < o.Params.KeyPointsNumber {
		return nil, fmt.Errorf("heatmap tensor has %d channels, need %d keypoints",
			heatmaps.Channels(), o.Params.KeyPointsNumber)
	}

	if pafs.Channels() < 2*(o.Params.KeyPointsNumber+1) {
		return nil, fmt.Errorf("paf tensor has %d channels, need %d",
			pafs.Channels(), 2*(o.Params.KeyPointsNumber+1))
	}

	heatMaps, err := upsampleFeatureMaps(heatmaps, o.Params.UpsampleRatio)

	if err != nil {
		return nil, fmt.Errorf("error upsampling heatmaps: %w", err)
	}

	pafMaps, err := upsampleFeatureMaps(pafs, o.Params.UpsampleRatio)

	if err != nil {
		return nil, fmt.Errorf("error upsampling pafs: %w", err)
	}

	allPeaks := findAllPeaks(heatMaps, o.Params.KeyPointsNumber,
		o.Params.MinPeaksDistance)

	poses := groupPeaksToPoses(allPeaks, pafMaps, o.Params)

	o.correctCoordinates(poses, heatMaps.width, heatMaps.height, resizer)

	for i := range poses {
		poses[i].ID = o.idGen.GetNext()
	}

	return poses, nil
}

// correctCoordinates maps keypoints from upsampled feature map space back
// to source image space, undoing the model output stride, the letterbox
// padding and the aspect preserving scale
func (o *OpenPose) correctCoordinates(poses []result.HumanPose,
	mapWidth, mapHeight int, resizer *preprocess.Resizer) {

	ratio := float32(o.Params.Stride) / float32(o.Params.UpsampleRatio)

	// feature map size expressed in model input pixels
	fullWidth := mapWidth * o.Params.Stride / o.Params.UpsampleRatio
	fullHeight := mapHeight * o.Params.Stride / o.Params.UpsampleRatio

	scaleX := float32(resizer.SrcWidth()) /
		float32(fullWidth-resizer.PadLeft()-resizer.PadRight())
	scaleY := float32(resizer.SrcHeight()) /
		float32(fullHeight-resizer.PadTop()-resizer.PadBottom())

	for p := range poses {
		for k, kp := range poses[p].Keypoints {
			if kp.IsAbsent() {
				continue
			}

			kp.X = (kp.X*ratio - float32(resizer.PadLeft())) * scaleX
			kp.Y = (kp.Y*ratio - float32(resizer.PadTop())) * scaleY
			poses[p].Keypoints[k] = kp
		}
	}
}
