// Package ai runs the PPE detection network and draws its results.
package ai

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"

	"gocv.io/x/gocv"

	"ppegate/internal/config"
	"ppegate/internal/dto"
	"ppegate/internal/logger"
	"ppegate/internal/service/camera"
	"ppegate/internal/service/classifier"
)

const (
	// ObjectnessThreshold drops candidate boxes before class scoring.
	ObjectnessThreshold = 0.25
	// NMSThreshold is the IoU above which overlapping boxes are suppressed.
	NMSThreshold = 0.45
)

var (
	colorPositive = color.RGBA{R: 0, G: 200, B: 0, A: 0}
	colorNegative = color.RGBA{R: 255, G: 0, B: 0, A: 0}
	colorOther    = color.RGBA{R: 255, G: 210, B: 0, A: 0}
)

// ErrNotInitialized is returned when the network could not be loaded.
var ErrNotInitialized = errors.New("detection network not initialized")

// MatFrame is implemented by frames backed by a gocv.Mat, avoiding a decode round trip.
type MatFrame interface {
	Mat() *gocv.Mat
}

// DetectorService runs a YOLO style network. gocv.Net is not safe for concurrent use,
// so every worker borrows one of a fixed pool of networks.
type DetectorService struct {
	nets       chan gocv.Net
	size       int
	classes    []string
	threshold  float32
	modelPath  string
	configPath string
	logger     *logger.Logger
}

// NewDetectorService loads one network per pool slot. poolSize below 1 is treated as 1.
func NewDetectorService(config *config.Config, poolSize int, logger *logger.Logger) (*DetectorService, error) {
	if poolSize < 1 {
		poolSize = 1
	}
	s := &DetectorService{
		nets:       make(chan gocv.Net, poolSize),
		size:       config.DetectionInputSize,
		classes:    config.ModelClasses,
		threshold:  float32(config.DetectionThreshold),
		modelPath:  config.ModelPath,
		configPath: config.ModelConfigPath,
		logger:     logger,
	}

	for i := 0; i < poolSize; i++ {
		net, err := s.initializeNet()
		if err != nil {
			s.Close()
			return nil, err
		}
		s.nets <- net
	}

	s.logger.Info("Detection network initialized (%d instances, %d classes)", poolSize, len(s.classes))
	return s, nil
}

// initializeNet loads the DNN network and sets backend/target preferences.
func (s *DetectorService) initializeNet() (gocv.Net, error) {
	if _, err := os.Stat(s.modelPath); os.IsNotExist(err) {
		return gocv.Net{}, fmt.Errorf("model file not found: %s", s.modelPath)
	}
	if s.configPath != "" {
		if _, err := os.Stat(s.configPath); os.IsNotExist(err) {
			return gocv.Net{}, fmt.Errorf("config file not found: %s", s.configPath)
		}
	}

	net := gocv.ReadNet(s.modelPath, s.configPath)
	if net.Empty() {
		return gocv.Net{}, fmt.Errorf("failed to load network %s", s.modelPath)
	}

	errBackend := net.SetPreferableBackend(gocv.NetBackendDefault)
	errTarget := net.SetPreferableTarget(gocv.NetTargetCPU)
	if errBackend != nil || errTarget != nil {
		net.Close()
		return gocv.Net{}, fmt.Errorf("failed to set preferable backend or target")
	}
	return net, nil
}

// Detect runs the network on one frame.
func (s *DetectorService) Detect(frame camera.Frame) ([]dto.DetectionResult, error) {
	mat, release, err := matOf(frame)
	if err != nil {
		return nil, err
	}
	defer release()

	net, ok := <-s.nets
	if !ok {
		return nil, ErrNotInitialized
	}
	defer func() { s.nets <- net }()

	blob := gocv.BlobFromImage(
		*mat,
		1.0/255.0,
		image.Pt(s.size, s.size),
		gocv.NewScalar(0, 0, 0, 0),
		true,
		false,
	)
	defer blob.Close()

	net.SetInput(blob, "")
	outputs := net.ForwardLayers(getOutputLayers(net))
	defer func() {
		for i := range outputs {
			outputs[i].Close()
		}
	}()

	return s.processOutputs(outputs, mat.Cols(), mat.Rows()), nil
}

// processOutputs decodes rows of [cx, cy, w, h, objectness, class scores...] in network input pixels
// and applies non-maximum suppression.
func (s *DetectorService) processOutputs(outputs []gocv.Mat, originalWidth, originalHeight int) []dto.DetectionResult {
	var (
		boxes  []image.Rectangle
		scores []float32
		labels []string
	)

	xFactor := float32(originalWidth) / float32(s.size)
	yFactor := float32(originalHeight) / float32(s.size)

	for _, output := range outputs {
		rows, cols := outputShape(output)
		if cols < 6 {
			continue
		}
		data := output.Reshape(1, rows)

		for i := 0; i < rows; i++ {
			objectness := data.GetFloatAt(i, 4)
			if objectness < ObjectnessThreshold {
				continue
			}

			maxClassScore := float32(0)
			classID := 0
			for j := 5; j < cols; j++ {
				if score := data.GetFloatAt(i, j); score > maxClassScore {
					maxClassScore = score
					classID = j - 5
				}
			}

			confidence := objectness * maxClassScore
			if confidence < s.threshold {
				continue
			}

			w := data.GetFloatAt(i, 2) * xFactor
			h := data.GetFloatAt(i, 3) * yFactor
			x := int(data.GetFloatAt(i, 0)*xFactor - w/2)
			y := int(data.GetFloatAt(i, 1)*yFactor - h/2)

			x = max(0, min(x, originalWidth))
			y = max(0, min(y, originalHeight))
			boxes = append(boxes, image.Rect(x, y, min(x+int(w), originalWidth), min(y+int(h), originalHeight)))
			scores = append(scores, confidence)
			labels = append(labels, ClassLabel(s.classes, classID))
		}
		data.Close()
	}

	if len(boxes) == 0 {
		return nil
	}

	var results []dto.DetectionResult
	for _, idx := range gocv.NMSBoxes(boxes, scores, s.threshold, NMSThreshold) {
		box := boxes[idx]
		results = append(results, dto.DetectionResult{
			Label:      labels[idx],
			Confidence: float64(scores[idx]),
			X:          box.Min.X,
			Y:          box.Min.Y,
			Width:      box.Dx(),
			Height:     box.Dy(),
		})
	}
	return results
}

// Annotate draws the detections onto the frame in place.
func (s *DetectorService) Annotate(frame camera.Frame, detections []dto.DetectionResult) error {
	mf, ok := frame.(MatFrame)
	if !ok {
		return errors.New("frame does not expose a mat")
	}
	mat := mf.Mat()

	for _, detection := range detections {
		c := BoxColor(detection.Label)
		rect := image.Rect(detection.X, detection.Y, detection.X+detection.Width, detection.Y+detection.Height)
		if err := gocv.Rectangle(mat, rect, c, 2); err != nil {
			return fmt.Errorf("failed to draw rectangle: %w", err)
		}

		label := fmt.Sprintf("%s (%.2f)", detection.Label, detection.Confidence)
		pt := image.Pt(detection.X, max(detection.Y-5, 10))
		if err := gocv.PutText(mat, label, pt, gocv.FontHersheySimplex, 0.5, c, 1); err != nil {
			return fmt.Errorf("failed to draw text: %w", err)
		}
	}
	return nil
}

// Close releases every network in the pool. Detect must not be called afterwards.
func (s *DetectorService) Close() {
	close(s.nets)
	for net := range s.nets {
		net.Close()
	}
}

// BoxColor is green for worn PPE, red for explicitly missing PPE and yellow for anything else.
func BoxColor(label string) color.RGBA {
	l, ok := classifier.Normalize(label)
	switch {
	case !ok:
		return colorOther
	case l.Negative:
		return colorNegative
	default:
		return colorPositive
	}
}

// ClassLabel maps a class index to its name.
func ClassLabel(classes []string, classID int) string {
	if classID >= 0 && classID < len(classes) {
		return classes[classID]
	}
	return fmt.Sprintf("unknown_%d", classID)
}

// matOf returns the frame's mat, decoding its JPEG when it is not mat backed.
func matOf(frame camera.Frame) (*gocv.Mat, func(), error) {
	if mf, ok := frame.(MatFrame); ok {
		return mf.Mat(), func() {}, nil
	}

	buf, err := frame.JPEG()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	mat, err := gocv.IMDecode(buf, gocv.IMReadColor)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode image: %w", err)
	}
	if mat.Empty() {
		mat.Close()
		return nil, nil, errors.New("decoded image is empty")
	}
	return &mat, func() { mat.Close() }, nil
}

// outputShape flattens [1, N, C] and [N, C] outputs into rows and columns.
func outputShape(output gocv.Mat) (int, int) {
	size := output.Size()
	switch len(size) {
	case 3:
		return size[1], size[2]
	case 2:
		return size[0], size[1]
	}
	return 0, 0
}

func getOutputLayers(net gocv.Net) []string {
	layerNames := net.GetLayerNames()
	unconnectedOutLayers := net.GetUnconnectedOutLayers()

	var outputLayers []string
	for _, i := range unconnectedOutLayers {
		if i-1 < len(layerNames) {
			outputLayers = append(outputLayers, layerNames[i-1])
		}
	}
	return outputLayers
}
