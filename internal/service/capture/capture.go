// Package capture opens local camera devices and network streams with gocv.
package capture

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gocv.io/x/gocv"

	"ppegate/internal/logger"
	"ppegate/internal/model"
	"ppegate/internal/service/camera"
)

var errReadFailed = errors.New("failed to read frame")

// Opener opens camera sources. Local devices are asked for the configured resolution.
type Opener struct {
	width  int
	height int
	logger *logger.Logger
}

func NewOpener(width, height int, logger *logger.Logger) *Opener {
	return &Opener{width: width, height: height, logger: logger}
}

// ParseSource returns the device index for a decimal source and the trimmed URL otherwise.
func ParseSource(source string) (device int, url string, isDevice bool) {
	source = strings.TrimSpace(source)
	if index, err := strconv.Atoi(source); err == nil && index >= 0 {
		return index, "", true
	}
	return 0, source, false
}

// Open connects to the camera source.
func (o *Opener) Open(ctx context.Context, cam model.Camera) (camera.Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	device, url, isDevice := ParseSource(cam.Source)
	var (
		vc  *gocv.VideoCapture
		err error
	)
	if isDevice {
		vc, err = gocv.OpenVideoCapture(device)
	} else {
		vc, err = gocv.OpenVideoCapture(url)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open camera %d (%s): %w", cam.ID, cam.Name, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("camera %d (%s) did not open", cam.ID, cam.Name)
	}

	vc.Set(gocv.VideoCaptureBufferSize, 1)
	if isDevice && o.width > 0 && o.height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(o.width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(o.height))
	}

	// Opening a network stream can take seconds; honour a stop that arrived meanwhile.
	if err := ctx.Err(); err != nil {
		vc.Close()
		return nil, err
	}

	o.logger.Info("Opened camera %d (%s): %.0fx%.0f", cam.ID, cam.Name,
		vc.Get(gocv.VideoCaptureFrameWidth), vc.Get(gocv.VideoCaptureFrameHeight))
	return &Capture{vc: vc}, nil
}

// Capture is an open gocv video capture.
type Capture struct {
	vc *gocv.VideoCapture
}

// Grab advances the stream by one frame without decoding it. gocv does not report grab
// failures, so a dead stream surfaces on the next Read.
func (c *Capture) Grab() error {
	c.vc.Grab(1)
	if !c.vc.IsOpened() {
		return errReadFailed
	}
	return nil
}

// Read returns the next frame. The caller owns it and must Close it.
func (c *Capture) Read() (camera.Frame, error) {
	mat := gocv.NewMat()
	if ok := c.vc.Read(&mat); !ok || mat.Empty() {
		mat.Close()
		return nil, errReadFailed
	}
	return &Frame{mat: mat}, nil
}

// Close releases the device.
func (c *Capture) Close() error {
	return c.vc.Close()
}

// Frame is a decoded BGR image.
type Frame struct {
	mat gocv.Mat
}

// Mat exposes the underlying image for in-place annotation.
func (f *Frame) Mat() *gocv.Mat {
	return &f.mat
}

// JPEG encodes the frame.
func (f *Frame) JPEG() ([]byte, error) {
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, f.mat)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	defer buf.Close()

	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, nil
}

func (f *Frame) Close() error {
	return f.mat.Close()
}
