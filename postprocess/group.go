package postprocess

import (
	"math"
	"sort"

	"github.com/poseworks/go-posepipe/postprocess/result"
)

// limbIdsHeatmap lists the keypoint pairs making up each limb of the
// COCO skeleton, keypoint numbers are 1 based
var limbIdsHeatmap = [19][2]int{
	{2, 3}, {2, 6}, {3, 4}, {4, 5}, {6, 7}, {7, 8}, {2, 9}, {9, 10},
	{10, 11}, {2, 12}, {12, 13}, {13, 14}, {2, 1}, {1, 15}, {15, 17},
	{1, 16}, {16, 18}, {3, 17}, {6, 18},
}

// limbIdsPaf lists the part affinity field map pair holding the x and y
// vector components of each limb, numbered after the heatmap channels
var limbIdsPaf = [19][2]int{
	{31, 32}, {39, 40}, {33, 34}, {35, 36}, {41, 42}, {43, 44}, {19, 20},
	{21, 22}, {23, 24}, {25, 26}, {27, 28}, {29, 30}, {47, 48}, {49, 50},
	{53, 54}, {51, 52}, {55, 56}, {37, 38}, {45, 46},
}

// midPointsNumber is the number of points sampled along a candidate limb
// when integrating its part affinity field support
const midPointsNumber = 10

// jointConnection pairs two peaks as a limb candidate with its score
type jointConnection struct {
	jointA int
	jointB int
	score  float32
}

// subsetEntry is a partially assembled person, peaks holds the global
// peak id per keypoint index or -1 when unassigned
type subsetEntry struct {
	peaks   []int
	nJoints int
	score   float32
}

func newSubsetEntry(keyPointsNumber int) subsetEntry {
	s := subsetEntry{
		peaks: make([]int, keyPointsNumber),
	}

	for i := range s.peaks {
		s.peaks[i] = -1
	}

	return s
}

// groupPeaksToPoses assembles the keypoint peaks into per person poses by
// greedily matching each limb's candidate joint pairs against the part
// affinity fields, then filters out poses with too few joints or too low
// a score.  Keypoint coordinates are in upsampled feature map space
func groupPeaksToPoses(allPeaks [][]peak, pafs featureMap,
	p OpenPoseParams) []result.HumanPose {

	// candidates indexed by global peak id
	var candidates []peak

	for _, peaks := range allPeaks {
		candidates = append(candidates, peaks...)
	}

	var subset []subsetEntry

	for k := 0; k < len(limbIdsPaf); k++ {
		// paf channels are numbered after the keypoint heatmaps plus
		// background
		mapIdxOffset := p.KeyPointsNumber + 1
		pafX := limbIdsPaf[k][0] - mapIdxOffset
		pafY := limbIdsPaf[k][1] - mapIdxOffset

		idxJointA := limbIdsHeatmap[k][0] - 1
		idxJointB := limbIdsHeatmap[k][1] - 1
		candA := allPeaks[idxJointA]
		candB := allPeaks[idxJointB]

		if len(candA) == 0 && len(candB) == 0 {
			continue
		}

		// one endpoint has no peaks, seed single joint persons from the
		// other so the joint is not lost
		if len(candA) == 0 {
			subset = seedSingleJoint(subset, candB, idxJointB, p.KeyPointsNumber)
			continue
		}

		if len(candB) == 0 {
			subset = seedSingleJoint(subset, candA, idxJointA, p.KeyPointsNumber)
			continue
		}

		connections := matchLimbJoints(candA, candB, pafs, pafX, pafY, p)

		if len(connections) == 0 {
			continue
		}

		extraJointConnections := k == 17 || k == 18

		switch {
		case k == 0:
			// first limb seeds the person subsets
			subset = make([]subsetEntry, 0, len(connections))

			for _, conn := range connections {
				entry := newSubsetEntry(p.KeyPointsNumber)
				entry.peaks[idxJointA] = conn.jointA
				entry.peaks[idxJointB] = conn.jointB
				entry.nJoints = 2
				entry.score = candidates[conn.jointA].score +
					candidates[conn.jointB].score + conn.score
				subset = append(subset, entry)
			}

		case extraJointConnections:
			// the ear to shoulder limbs only fill gaps in existing
			// persons, they never add joints or score
			for _, conn := range connections {
				for j := range subset {
					if subset[j].peaks[idxJointA] == conn.jointA &&
						subset[j].peaks[idxJointB] == -1 {
						subset[j].peaks[idxJointB] = conn.jointB
					} else if subset[j].peaks[idxJointB] == conn.jointB &&
						subset[j].peaks[idxJointA] == -1 {
						subset[j].peaks[idxJointA] = conn.jointA
					}
				}
			}

		default:
			for _, conn := range connections {
				extended := false

				for j := range subset {
					if subset[j].peaks[idxJointA] == conn.jointA {
						subset[j].peaks[idxJointB] = conn.jointB
						subset[j].nJoints++
						subset[j].score += candidates[conn.jointB].score +
							conn.score
						extended = true
					}
				}

				if !extended {
					entry := newSubsetEntry(p.KeyPointsNumber)
					entry.peaks[idxJointA] = conn.jointA
					entry.peaks[idxJointB] = conn.jointB
					entry.nJoints = 2
					entry.score = candidates[conn.jointA].score +
						candidates[conn.jointB].score + conn.score
					subset = append(subset, entry)
				}
			}
		}
	}

	var poses []result.HumanPose

	for _, entry := range subset {
		if entry.nJoints < p.MinJointsNumber ||
			entry.score/float32(entry.nJoints) < p.MinSubsetScore {
			continue
		}

		pose := result.HumanPose{
			Keypoints: make([]result.KeyPoint, p.KeyPointsNumber),
			Score:     entry.score * float32(max(0, entry.nJoints-1)),
		}

		for i := range pose.Keypoints {
			pose.Keypoints[i] = result.Absent()
		}

		for position, peakIdx := range entry.peaks {
			if peakIdx >= 0 {
				pose.Keypoints[position] = result.KeyPoint{
					X: float32(candidates[peakIdx].x) + 0.5,
					Y: float32(candidates[peakIdx].y) + 0.5,
				}
			}
		}

		poses = append(poses, pose)
	}

	return poses
}

// seedSingleJoint creates a one joint person for each peak of the given
// keypoint not already assigned to a person
func seedSingleJoint(subset []subsetEntry, cand []peak, idxJoint,
	keyPointsNumber int) []subsetEntry {

	for _, pk := range cand {
		assigned := false

		for j := range subset {
			if subset[j].peaks[idxJoint] == pk.id {
				assigned = true
				break
			}
		}

		if assigned {
			continue
		}

		entry := newSubsetEntry(keyPointsNumber)
		entry.peaks[idxJoint] = pk.id
		entry.nJoints = 1
		entry.score = pk.score
		subset = append(subset, entry)
	}

	return subset
}

// matchLimbJoints scores every joint pair of one limb against its part
// affinity field maps and greedily picks the best non conflicting pairs.
// A pair qualifies when enough of the sampled points along the limb agree
// with the field direction
func matchLimbJoints(candA, candB []peak, pafs featureMap, pafX, pafY int,
	p OpenPoseParams) []jointConnection {

	heightN := pafs.height / 2

	var pairs []jointConnection

	for i := range candA {
		for j := range candB {
			vecX := float64(candB[j].x - candA[i].x)
			vecY := float64(candB[j].y - candA[i].y)
			norm := math.Hypot(vecX, vecY)

			if norm == 0 {
				continue
			}

			vecX /= norm
			vecY /= norm

			// integrate the field alignment along the limb
			stepX := float64(candB[j].x-candA[i].x) / (midPointsNumber - 1)
			stepY := float64(candB[j].y-candA[i].y) / (midPointsNumber - 1)

			pSum := float64(0)
			pCount := 0

			for n := 0; n < midPointsNumber; n++ {
				midX := int(math.Round(float64(candA[i].x) + float64(n)*stepX))
				midY := int(math.Round(float64(candA[i].y) + float64(n)*stepY))

				score := vecX*float64(pafs.at(pafX, midX, midY)) +
					vecY*float64(pafs.at(pafY, midX, midY))

				if score > float64(p.MidPointsScoreThreshold) {
					pSum += score
					pCount++
				}
			}

			foundRatio := float32(pCount) / float32(midPointsNumber)

			if foundRatio <= p.FoundMidPointsRatioThreshold {
				continue
			}

			ratio := float64(0)

			if pCount > 0 {
				ratio = pSum / float64(pCount)
			}

			// penalise limbs longer than half the field height
			midScore := ratio + math.Min(float64(heightN)/norm-1, 0)

			if midScore > 0 {
				pairs = append(pairs, jointConnection{
					jointA: i,
					jointB: j,
					score:  float32(midScore),
				})
			}
		}
	}

	sort.Slice(pairs, func(i, j int) bool {
		return pairs[i].score > pairs[j].score
	})

	numLimbs := min(len(candA), len(candB))

	occurA := make([]bool, len(candA))
	occurB := make([]bool, len(candB))
	var connections []jointConnection

	for _, pair := range pairs {
		if len(connections) == numLimbs {
			break
		}

		if occurA[pair.jointA] || occurB[pair.jointB] {
			continue
		}

		connections = append(connections, jointConnection{
			jointA: candA[pair.jointA].id,
			jointB: candB[pair.jointB].id,
			score:  pair.score,
		})
		occurA[pair.jointA] = true
		occurB[pair.jointB] = true
	}

	return connections
}
