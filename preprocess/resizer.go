package preprocess

import (
	"image"
	"image/color"

	"gocv.io/x/gocv"
)

// Resizer defines the struct used for handling image resizing
type Resizer struct {
	// srcWidth is the width of the source image
	srcWidth int
	// srcHeight is the height of the source image
	srcHeight int
	// destWidth is the width to scale to
	destWidth int
	// destHeight is the height to scale to
	destHeight int
	// tempMat is a Mat used during the resize process
	tempMat gocv.Mat
	// letterbox parameters used in scaling
	padTop    int
	padBottom int
	padLeft   int
	padRight  int
	scale     float32
	// resize dimensions
	resizeW int
	resizeH int
}

// NewResizer returns a resizer used for scaling an image to the needed
// dimensions for input tensor size
func NewResizer(srcWidth, srcHeight, destWidth, destHeight int) *Resizer {
	r := &Resizer{
		srcWidth:   srcWidth,
		srcHeight:  srcHeight,
		destWidth:  destWidth,
		destHeight: destHeight,
		tempMat:    gocv.NewMat(),
	}

	// precalculate scaling dimensions
	r.preCalc()

	return r
}

// Close frees memory allocated during resize process
func (r *Resizer) Close() error {
	return r.tempMat.Close()
}

// preCalc the scaling factors for source and destination Mats
func (r *Resizer) preCalc() {

	r.resizeW = r.destWidth
	r.resizeH = r.destHeight

	scaleW := float32(r.destWidth) / float32(r.srcWidth)
	scaleH := float32(r.destHeight) / float32(r.srcHeight)
	r.scale = scaleH

	if scaleW < scaleH {
		r.scale = scaleW
		r.resizeH = int(float32(r.srcHeight) * r.scale)
	} else {
		r.resizeW = int(float32(r.srcWidth) * r.scale)
	}

	r.padTop = (r.destHeight - r.resizeH) / 2
	r.padBottom = r.destHeight - r.resizeH - r.padTop
	r.padLeft = (r.destWidth - r.resizeW) / 2
	r.padRight = r.destWidth - r.resizeW - r.padLeft
}

// LetterBoxResize resizes the input image to the dimensions needed for
// the input tensor size whilst maintaining image aspect.  Color is that
// used for letter box padding, typically the model's mean pixel value
func (r *Resizer) LetterBoxResize(src gocv.Mat, dest *gocv.Mat, color color.RGBA) {

	gocv.Resize(src, &r.tempMat, image.Pt(r.resizeW, r.resizeH),
		0, 0, gocv.InterpolationCubic)

	gocv.CopyMakeBorder(r.tempMat, dest, r.padTop, r.padBottom,
		r.padLeft, r.padRight, gocv.BorderConstant, color)
}

// ScaleFactor returns the scale factor used in letterbox resize
func (r *Resizer) ScaleFactor() float32 {
	return r.scale
}

// PadTop returns the top padding used in letterbox resize
func (r *Resizer) PadTop() int {
	return r.padTop
}

// PadBottom returns the bottom padding used in letterbox resize
func (r *Resizer) PadBottom() int {
	return r.padBottom
}

// PadLeft returns the left padding used in letterbox resize
func (r *Resizer) PadLeft() int {
	return r.padLeft
}

// PadRight returns the right padding used in letterbox resize
func (r *Resizer) PadRight() int {
	return r.padRight
}

// SrcWidth returns the width of the source image
func (r *Resizer) SrcWidth() int {
	return r.srcWidth
}

// SrcHeight returns the height of the source image
func (r *Resizer) SrcHeight() int {
	return r.srcHeight
}

// DestWidth returns the width of the scaled destination image
func (r *Resizer) DestWidth() int {
	return r.destWidth
}

// DestHeight returns the height of the scaled destination image
func (r *Resizer) DestHeight() int {
	return r.destHeight
}
