package rimage

import (
	"image"
	"image/color"
	"math"
	"runtime"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"go.viam.com/posetrack/ml"
	"go.viam.com/posetrack/spatialmath"
)

// ImageSize returns the (width, height) of img as a vector.
func ImageSize(img image.Image) mgl32.Vec2 {
	b := img.Bounds()
	return mgl32.Vec2{float32(b.Dx()), float32(b.Dy())}
}

// rgbReader returns the color at pixel (x, y) relative to the image bounds, each channel in [0, 1].
// Pix of RGBA and NRGBA images always starts at Rect.Min so those index it directly.
type rgbReader func(x, y int) (r, g, b float32)

func newRGBReader(img image.Image) rgbReader {
	switch im := img.(type) {
	case *image.RGBA:
		return func(x, y int) (float32, float32, float32) {
			i := y*im.Stride + x*4
			return float32(im.Pix[i]) / 255, float32(im.Pix[i+1]) / 255, float32(im.Pix[i+2]) / 255
		}
	case *image.NRGBA:
		return func(x, y int) (float32, float32, float32) {
			i := y*im.Stride + x*4
			return float32(im.Pix[i]) / 255, float32(im.Pix[i+1]) / 255, float32(im.Pix[i+2]) / 255
		}
	case *image.YCbCr:
		return func(x, y int) (float32, float32, float32) {
			c := im.YCbCrAt(x+im.Rect.Min.X, y+im.Rect.Min.Y)
			r, g, b := color.YCbCrToRGB(c.Y, c.Cb, c.Cr)
			return float32(r) / 255, float32(g) / 255, float32(b) / 255
		}
	default:
		// one conversion is cheaper than four color.Color lookups per destination pixel
		return newRGBReader(toNRGBA(img))
	}
}

// SampleAffine fills dst with the RGB values of img resampled through m.
//
// For every destination pixel (x, y), where y counts tensor rows, the pixel centre
// (x+0.5, y+0.5) is mapped through m into image space: pixels, origin at the bottom-left corner,
// y up. The image is read there with bilinear filtering and coordinates outside the image clamp to
// the nearest edge pixel. Channels are written as r, g, b in [0, 1].
func SampleAffine(img image.Image, m spatialmath.Affine2D, dst *ml.Buffer) error {
	if img == nil {
		return errors.New("no image to sample")
	}
	if dst == nil || dst.Released() {
		return errors.Wrap(ml.ErrBufferReleased, "sample destination")
	}
	if dst.Channels() != 3 {
		return errors.Errorf("sample destination must have 3 channels, has %d", dst.Channels())
	}
	bounds := img.Bounds()
	imgW, imgH := bounds.Dx(), bounds.Dy()
	if imgW == 0 || imgH == 0 {
		return errors.New("cannot sample an empty image")
	}

	read := newRGBReader(img)
	data := dst.Data()
	width, height := dst.Width(), dst.Height()
	maxX, maxY := imgW-1, imgH-1
	fh := float32(imgH)

	linear := m.Linear()
	// d(image)/d(dest x) is the first column of the linear part.
	stepX := mgl32.Vec2{linear[0], linear[1]}

	var group errgroup.Group
	group.SetLimit(runtime.NumCPU())
	for row := 0; row < height; row++ {
		row := row
		group.Go(func() error {
			p := m.Apply(mgl32.Vec2{0.5, float32(row) + 0.5})
			out := data[row*width*3 : (row+1)*width*3]
			for col := 0; col < width; col++ {
				// image space to go pixel indices: y flips and pixel centres sit at +0.5
				px := p.X() - 0.5
				py := (fh - p.Y()) - 0.5

				x0f := float32(math.Floor(float64(px)))
				y0f := float32(math.Floor(float64(py)))
				fx, fy := px-x0f, py-y0f
				x0 := lo.Clamp(int(x0f), 0, maxX)
				x1 := lo.Clamp(int(x0f)+1, 0, maxX)
				y0 := lo.Clamp(int(y0f), 0, maxY)
				y1 := lo.Clamp(int(y0f)+1, 0, maxY)

				r00, g00, b00 := read(x0, y0)
				r10, g10, b10 := read(x1, y0)
				r01, g01, b01 := read(x0, y1)
				r11, g11, b11 := read(x1, y1)

				w00 := (1 - fx) * (1 - fy)
				w10 := fx * (1 - fy)
				w01 := (1 - fx) * fy
				w11 := fx * fy
				out[col*3] = r00*w00 + r10*w10 + r01*w01 + r11*w11
				out[col*3+1] = g00*w00 + g10*w10 + g01*w01 + g11*w11
				out[col*3+2] = b00*w00 + b10*w10 + b01*w01 + b11*w11

				p = p.Add(stepX)
			}
			return nil
		})
	}
	return group.Wait()
}
