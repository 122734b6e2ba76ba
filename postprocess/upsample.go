package postprocess

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/poseworks/go-posepipe"
)

// upsampleFeatureMaps rescales each channel plane of the given NCHW
// tensor by ratio using cubic interpolation, recovering the spatial
// resolution lost to the model's output stride
func upsampleFeatureMaps(t posepipe.Tensor, ratio int) (featureMap, error) {

	height := t.Height()
	width := t.Width()

	if height == 0 || width == 0 {
		return featureMap{}, fmt.Errorf("tensor %q has no spatial dimensions, dims=%v",
			t.Name, t.Dims)
	}

	fm := featureMap{
		channels: t.Channels(),
		height:   height * ratio,
		width:    width * ratio,
	}
	fm.data = make([]float32, fm.channels*fm.height*fm.width)

	src := gocv.NewMatWithSize(height, width, gocv.MatTypeCV32F)
	defer src.Close()

	dest := gocv.NewMat()
	defer dest.Close()

	for c := 0; c < fm.channels; c++ {
		plane, err := t.Channel(c)

		if err != nil {
			return featureMap{}, err
		}

		buf, err := src.DataPtrFloat32()

		if err != nil {
			return featureMap{}, fmt.Errorf("error accessing mat data: %w", err)
		}

		copy(buf, plane)

		gocv.Resize(src, &dest, image.Pt(fm.width, fm.height), 0, 0,
			gocv.InterpolationCubic)

		out, err := dest.DataPtrFloat32()

		if err != nil {
			return featureMap{}, fmt.Errorf("error accessing mat data: %w", err)
		}

		copy(fm.channel(c), out)
	}

	return fm, nil
}
