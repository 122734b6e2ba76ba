package result

// KeyPoint defines a single body joint location in source image coordinates
type KeyPoint struct {
	X float32
	Y float32
}

// Absent returns the sentinel KeyPoint value used for joints the decoder
// could not locate
func Absent() KeyPoint {
	return KeyPoint{X: -1, Y: -1}
}

// IsAbsent returns true if the joint was not located
func (k KeyPoint) IsAbsent() bool {
	return k.X == -1 && k.Y == -1
}

// HumanPose defines a single detected person made up of COCO body keypoints
type HumanPose struct {
	// ID is a unique number identifying the pose in the result set
	ID int64
	// Keypoints are the joint locations indexed by COCO keypoint number,
	// missing joints carry the Absent sentinel value
	Keypoints []KeyPoint
	// Score is the pose confidence accumulated from its peak and limb scores
	Score float32
}

// KeyPointNames are the COCO body part names in keypoint index order
var KeyPointNames = []string{
	"nose", "neck",
	"right shoulder", "right elbow", "right wrist",
	"left shoulder", "left elbow", "left wrist",
	"right hip", "right knee", "right ankle",
	"left hip", "left knee", "left ankle",
	"right eye", "left eye", "right ear", "left ear",
}
