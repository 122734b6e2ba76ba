package render

import (
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"github.com/poseworks/go-posepipe/postprocess/result"
)

/* skeleton keypoints
0: Nose
1: Neck
2: Right Shoulder
3: Right Elbow
4: Right Wrist
5: Left Shoulder
6: Left Elbow
7: Left Wrist
8: Right Hip
9: Right Knee
10: Right Ankle
11: Left Hip
12: Left Knee
13: Left Ankle
14: Right Eye
15: Left Eye
16: Right Ear
17: Left Ear
*/

var (
	// skeleton defines the pose skeleton points to draw lines between.  The
	// numbers are paired, so (2,3) means draw line from neck to right
	// shoulder.  Points are numbered 1 based
	skeleton = [34]int{2, 3, 2, 6, 3, 4, 4, 5, 6, 7, 7, 8, 2, 9, 9, 10,
		10, 11, 2, 12, 12, 13, 13, 14, 2, 1, 1, 15, 15, 17, 1, 16, 16, 18}
	// keyPointsTotal is the number of keypoints in a skeleton
	keyPointsTotal = 18
)

// Poses renders the skeletons of the provided poses.  Limbs with an
// absent endpoint are skipped
func Poses(img *gocv.Mat, poses []result.HumanPose, lineThickness int) {

	for _, pose := range poses {

		// draw skeleton lines
		for j := 0; j < len(skeleton)/2; j++ {
			a := pose.Keypoints[skeleton[2*j]-1]
			b := pose.Keypoints[skeleton[2*j+1]-1]

			if a.IsAbsent() || b.IsAbsent() {
				continue
			}

			gocv.Line(img, image.Pt(int(a.X), int(a.Y)),
				image.Pt(int(b.X), int(b.Y)), limbColors[j], lineThickness)
		}

		// draw circles at skeleton joints
		for j := 0; j < keyPointsTotal; j++ {
			kp := pose.Keypoints[j]

			if kp.IsAbsent() {
				continue
			}

			gocv.Circle(img, image.Pt(int(kp.X), int(kp.Y)), 3,
				keyPointColors[j], -1)
		}
	}
}

// labelAnchor returns the top most present keypoint of the pose, the
// position a label is placed above
func labelAnchor(pose result.HumanPose) (int, int, bool) {

	topX, topY, found := -1, -1, false

	for _, kp := range pose.Keypoints {
		if kp.IsAbsent() {
			continue
		}

		if !found || int(kp.Y) < topY {
			topX, topY = int(kp.X), int(kp.Y)
			found = true
		}
	}

	return topX, topY, found
}

// PoseLabels renders an id label above the top most keypoint of each
// pose
func PoseLabels(img *gocv.Mat, poses []result.HumanPose, font Font,
	labels []string) {

	for i, pose := range poses {

		if i >= len(labels) {
			break
		}

		topX, topY, found := labelAnchor(pose)

		if !found {
			continue
		}

		gocv.PutTextWithParams(img, labels[i],
			image.Pt(topX+font.LeftPad, topY-font.BottomPad),
			font.Face, font.Scale, font.Color, font.Thickness,
			font.LineType, false)
	}
}

// PoseLabelsTTF renders an id label above the top most keypoint of each
// pose using a TrueType face, for label text the Hershey fonts cannot
// display
func PoseLabelsTTF(img *gocv.Mat, poses []result.HumanPose, font *TTFFont,
	clr color.RGBA, labels []string) error {

	for i, pose := range poses {

		if i >= len(labels) {
			break
		}

		topX, topY, found := labelAnchor(pose)

		if !found {
			continue
		}

		if err := font.DrawText(img, labels[i], topX+4, topY-6, clr); err != nil {
			return err
		}
	}

	return nil
}
