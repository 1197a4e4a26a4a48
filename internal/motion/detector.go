// Package motion implements frame-differencing motion detection: the
// camera pipeline converts each frame to blurred grayscale, diffs it
// against the previous frame, thresholds and dilates the result, then
// finds connected components above a minimum area. Each component
// becomes a bounding box; the frame is "motion" if any box survives the
// area filter.
package motion

import (
	"image"
	"image/color"
)

// Box is an axis-aligned bounding rectangle around one detected blob,
// in frame pixel coordinates.
type Box struct {
	X, Y, W, H int
	Area       int
}

// Result is the outcome of analyzing one frame against the previous one.
type Result struct {
	Motion    bool
	Boxes     []Box
	TotalArea int
}

// Detector holds the previous blurred-grayscale frame needed to diff
// against the next one. Not safe for concurrent use; the capture loop
// drives it from a single goroutine.
type Detector struct {
	areaMin     int
	pixelThresh uint8
	dilateIters int

	prevGray *image.Gray
}

// NewDetector builds a Detector with the given thresholds. areaMin is
// the minimum connected-component pixel area to count as motion;
// pixelThresh is the absdiff cutoff for a pixel to count as "changed";
// dilateIters is how many 3x3 dilation passes to run before labeling.
func NewDetector(areaMin int, pixelThresh uint8, dilateIters int) *Detector {
	return &Detector{
		areaMin:     areaMin,
		pixelThresh: pixelThresh,
		dilateIters: dilateIters,
	}
}

// Detect analyzes img against the previously seen frame and stores img
// (blurred, grayscale) as the new reference. The first call after
// construction or Reset always reports no motion, since there is
// nothing to diff against yet.
func (d *Detector) Detect(img image.Image) Result {
	gray := toGrayBlurred(img)

	if d.prevGray == nil {
		d.prevGray = gray
		return Result{}
	}

	diff := absDiff(d.prevGray, gray)
	thresh := threshold(diff, d.pixelThresh)
	for i := 0; i < d.dilateIters; i++ {
		thresh = dilate3x3(thresh)
	}

	components := findComponents(thresh)

	var boxes []Box
	totalArea := 0
	for _, c := range components {
		if c.Area < d.areaMin {
			continue
		}
		boxes = append(boxes, c)
		totalArea += c.Area
	}

	d.prevGray = gray

	return Result{
		Motion:    len(boxes) > 0,
		Boxes:     boxes,
		TotalArea: totalArea,
	}
}

// Reset clears the reference frame so the next Detect call starts fresh
// instead of diffing against a stale frame.
func (d *Detector) Reset() {
	d.prevGray = nil
}

// Brightness returns the mean normalized grayscale intensity (0..1),
// matching cv2.cvtColor(...).mean()/255 in the original implementation.
func Brightness(img image.Image) float64 {
	bounds := img.Bounds()
	var sum, n int64
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			lum := (299*int(r>>8) + 587*int(g>>8) + 114*int(b>>8)) / 1000
			sum += int64(lum)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return float64(sum) / float64(n) / 255.0
}

// BlurVariance returns the variance of the Laplacian of the grayscale
// image, a standard focus/sharpness measure: low variance means a blurry
// frame.
func BlurVariance(img image.Image) float64 {
	gray := toGray(img)
	b := gray.Bounds()
	w, h := b.Dx(), b.Dy()
	if w < 3 || h < 3 {
		return 0
	}

	lap := make([]float64, w*h)
	at := func(x, y int) int {
		if x < 0 {
			x = 0
		}
		if x >= w {
			x = w - 1
		}
		if y < 0 {
			y = 0
		}
		if y >= h {
			y = h - 1
		}
		return int(gray.GrayAt(b.Min.X+x, b.Min.Y+y).Y)
	}

	var sum, sumSq float64
	n := float64(w * h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := float64(-4*at(x, y) + at(x-1, y) + at(x+1, y) + at(x, y-1) + at(x, y+1))
			lap[y*w+x] = v
			sum += v
			sumSq += v * v
		}
	}

	mean := sum / n
	return sumSq/n - mean*mean
}

func toGray(img image.Image) *image.Gray {
	bounds := img.Bounds()
	gray := image.NewGray(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			gray.Set(x, y, color.GrayModel.Convert(img.At(x, y)))
		}
	}
	return gray
}

// toGrayBlurred converts img to grayscale then applies a 9x9 box blur,
// the cheap stand-in for cv2.GaussianBlur((9,9), 0) used by the reference
// implementation: both suppress sensor noise before differencing.
func toGrayBlurred(img image.Image) *image.Gray {
	return boxBlur(toGray(img), 4)
}

func boxBlur(src *image.Gray, radius int) *image.Gray {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewGray(b)

	// Horizontal pass into an intermediate buffer, then vertical pass,
	// both with clamped edges.
	tmp := make([]float64, w*h)
	at := func(x, y int) int {
		if x < 0 {
			x = 0
		}
		if x >= w {
			x = w - 1
		}
		return int(src.GrayAt(b.Min.X+x, b.Min.Y+y).Y)
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sum := 0
			count := 0
			for k := -radius; k <= radius; k++ {
				sum += at(x+k, y)
				count++
			}
			tmp[y*w+x] = float64(sum) / float64(count)
		}
	}

	atv := func(x, y int) float64 {
		if y < 0 {
			y = 0
		}
		if y >= h {
			y = h - 1
		}
		return tmp[y*w+x]
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sum := 0.0
			count := 0
			for k := -radius; k <= radius; k++ {
				sum += atv(x, y+k)
				count++
			}
			dst.SetGray(b.Min.X+x, b.Min.Y+y, color.Gray{Y: uint8(sum / float64(count))})
		}
	}
	return dst
}

func absDiff(a, b *image.Gray) *image.Gray {
	bounds := a.Bounds()
	out := image.NewGray(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			av := int(a.GrayAt(x, y).Y)
			bv := int(b.GrayAt(x, y).Y)
			d := av - bv
			if d < 0 {
				d = -d
			}
			out.SetGray(x, y, color.Gray{Y: uint8(d)})
		}
	}
	return out
}

func threshold(img *image.Gray, cutoff uint8) *image.Gray {
	bounds := img.Bounds()
	out := image.NewGray(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			if img.GrayAt(x, y).Y > cutoff {
				out.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	return out
}

func dilate3x3(img *image.Gray) *image.Gray {
	bounds := img.Bounds()
	out := image.NewGray(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			maxV := uint8(0)
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nx, ny := x+dx, y+dy
					if nx < bounds.Min.X || nx >= bounds.Max.X || ny < bounds.Min.Y || ny >= bounds.Max.Y {
						continue
					}
					if v := img.GrayAt(nx, ny).Y; v > maxV {
						maxV = v
					}
				}
			}
			out.SetGray(x, y, color.Gray{Y: maxV})
		}
	}
	return out
}

// findComponents runs 4-connectivity flood fill over the nonzero pixels
// of a binary (0/255) image and returns each component's bounding box
// and pixel-count area. This stands in for cv2.findContours +
// boundingRect + contourArea: the pack has no blob/contour library, so
// this connected-components pass is the direct Go equivalent.
func findComponents(img *image.Gray) []Box {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	visited := make([]bool, w*h)

	idx := func(x, y int) int { return y*w + x }
	get := func(x, y int) uint8 { return img.GrayAt(bounds.Min.X+x, bounds.Min.Y+y).Y }

	var boxes []Box
	stack := make([]image.Point, 0, 64)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if visited[idx(x, y)] || get(x, y) == 0 {
				continue
			}

			minX, minY, maxX, maxY := x, y, x, y
			area := 0
			stack = stack[:0]
			stack = append(stack, image.Point{X: x, Y: y})
			visited[idx(x, y)] = true

			for len(stack) > 0 {
				p := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				area++

				if p.X < minX {
					minX = p.X
				}
				if p.X > maxX {
					maxX = p.X
				}
				if p.Y < minY {
					minY = p.Y
				}
				if p.Y > maxY {
					maxY = p.Y
				}

				neighbors := [4]image.Point{
					{X: p.X - 1, Y: p.Y}, {X: p.X + 1, Y: p.Y},
					{X: p.X, Y: p.Y - 1}, {X: p.X, Y: p.Y + 1},
				}
				for _, n := range neighbors {
					if n.X < 0 || n.X >= w || n.Y < 0 || n.Y >= h {
						continue
					}
					if visited[idx(n.X, n.Y)] || get(n.X, n.Y) == 0 {
						continue
					}
					visited[idx(n.X, n.Y)] = true
					stack = append(stack, n)
				}
			}

			boxes = append(boxes, Box{
				X:    minX,
				Y:    minY,
				W:    maxX - minX + 1,
				H:    maxY - minY + 1,
				Area: area,
			})
		}
	}
	return boxes
}
