package postprocess

import (
	"math"
	"testing"

	"github.com/poseworks/go-posepipe"
)

func TestUpsampleFeatureMaps(t *testing.T) {

	src := posepipe.NewTensor("maps", []int{1, 2, 4, 6})

	// constant planes stay constant through cubic interpolation
	for c := 0; c < 2; c++ {
		plane, err := src.Channel(c)

		if err != nil {
			t.Fatalf("Error getting channel: %v", err)
		}

		for i := range plane {
			plane[i] = float32(c + 1)
		}
	}

	fm, err := upsampleFeatureMaps(src, 4)

	if err != nil {
		t.Fatalf("Error upsampling: %v", err)
	}

	if fm.channels != 2 || fm.height != 16 || fm.width != 24 {
		t.Fatalf("Expected 2x16x24 feature map, got %dx%dx%d",
			fm.channels, fm.height, fm.width)
	}

	for c := 0; c < 2; c++ {
		for i, v := range fm.channel(c) {
			if math.Abs(float64(v)-float64(c+1)) > 1e-5 {
				t.Fatalf("Channel %d cell %d expected %d, got %f", c, i, c+1, v)
			}
		}
	}
}

func TestUpsampleFeatureMapsBadDims(t *testing.T) {

	_, err := upsampleFeatureMaps(posepipe.Tensor{Name: "bad", Dims: []int{3}}, 4)

	if err == nil {
		t.Error("Expected error for tensor without spatial dimensions")
	}
}
