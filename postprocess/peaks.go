package postprocess

import (
	"math"
	"sort"
	"sync"
)

// peakThreshold is the minimum heatmap activation for a cell to be
// considered a peak candidate
const peakThreshold = 0.1

// featureMap holds upsampled model output planes in CHW order
type featureMap struct {
	channels int
	height   int
	width    int
	data     []float32
}

// channel returns the data plane of the given channel
func (f featureMap) channel(c int) []float32 {
	plane := f.height * f.width
	return f.data[c*plane : (c+1)*plane]
}

// at returns the value of the given channel at (x, y)
func (f featureMap) at(c, x, y int) float32 {
	return f.data[c*f.height*f.width+y*f.width+x]
}

// peak is a local maxima found in a keypoint heatmap channel
type peak struct {
	// id is the peak number, unique across all heatmap channels of
	// a frame
	id int
	// x and y is the peak location in upsampled feature map coordinates
	x int
	y int
	// score is the heatmap activation at the peak
	score float32
}

// findAllPeaks locates the keypoint peaks on the first numChannels
// heatmap channels.  Channels are processed concurrently, peak ids are
// then offset so each id is unique across the whole frame
func findAllPeaks(fm featureMap, numChannels int, minPeaksDistance float32) [][]peak {

	allPeaks := make([][]peak, numChannels)

	var wg sync.WaitGroup
	wg.Add(numChannels)

	for c := 0; c < numChannels; c++ {
		go func(c int) {
			defer wg.Done()
			allPeaks[c] = findPeaks(fm.channel(c), fm.width, fm.height,
				minPeaksDistance)
		}(c)
	}

	wg.Wait()

	// make peak ids unique across channels
	peaksBefore := 0

	for c := 1; c < numChannels; c++ {
		peaksBefore += len(allPeaks[c-1])

		for i := range allPeaks[c] {
			allPeaks[c][i].id += peaksBefore
		}
	}

	return allPeaks
}

// findPeaks locates local maxima on a single heatmap channel.  A cell is
// a candidate when its thresholded activation strictly exceeds its four
// direct neighbours.  Candidates closer together than minPeaksDistance
// are merged keeping the lowest x coordinate
func findPeaks(heat []float32, width, height int, minPeaksDistance float32) []peak {

	// thresholded activation, zero outside the map or below threshold
	valAt := func(x, y int) float32 {
		if x < 0 || y < 0 || x >= width || y >= height {
			return 0
		}

		v := heat[y*width+x]

		if v < peakThreshold {
			return 0
		}

		return v
	}

	var candidates []peak

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			val := valAt(x, y)

			if val > valAt(x+1, y) && val > valAt(x-1, y) &&
				val > valAt(x, y+1) && val > valAt(x, y-1) {
				candidates = append(candidates, peak{
					x: x, y: y, score: val,
				})
			}
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].x < candidates[j].x
	})

	suppressed := make([]bool, len(candidates))
	var peaks []peak

	for i := range candidates {
		if suppressed[i] {
			continue
		}

		for j := i + 1; j < len(candidates); j++ {
			dx := float64(candidates[i].x - candidates[j].x)
			dy := float64(candidates[i].y - candidates[j].y)

			if math.Hypot(dx, dy) < float64(minPeaksDistance) {
				suppressed[j] = true
			}
		}

		candidates[i].id = len(peaks)
		peaks = append(peaks, candidates[i])
	}

	return peaks
}
