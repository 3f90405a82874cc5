// Package inference runs the classification model with ONNX Runtime.
package inference

import (
	"errors"
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/example/bps-classifier/internal/classifier"
	"github.com/example/bps-classifier/internal/faults"
	"github.com/example/bps-classifier/internal/imageprocessor"
)

// Options configure the ONNX scorer.
type Options struct {
	// RuntimeLibrary is the path to the onnxruntime shared library. Empty
	// means the platform default lookup.
	RuntimeLibrary string
	InputName      string
	OutputName     string
	// ApplySoftmax treats the model output as logits.
	ApplySoftmax bool
}

// DefaultOptions matches the exported training graph.
func DefaultOptions() Options {
	return Options{InputName: "input", OutputName: "output", ApplySoftmax: true}
}

// ONNXScorer implements classifier.Scorer. The session binds one input and
// one output tensor that are reused across runs, so Score holds a mutex for
// the whole copy-run-read sequence: inferences are serialized per process.
type ONNXScorer struct {
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

// NewONNXScorer returns an unloaded scorer.
func NewONNXScorer(opts Options, logger *zap.Logger) *ONNXScorer {
	if opts.InputName == "" {
		opts.InputName = "input"
	}
	if opts.OutputName == "" {
		opts.OutputName = "output"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ONNXScorer{opts: opts, logger: logger.Named("onnx_scorer")}
}

// Load opens the model at path and prepares its session.
func (s *ONNXScorer) Load(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != nil {
		return faults.ModelLoad("model already loaded", nil)
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return faults.ModelLoad(fmt.Sprintf("model file %s does not exist", path), err)
		}
		return faults.ModelLoad(fmt.Sprintf("stat %s", path), err)
	}
	if info.IsDir() || info.Size() == 0 {
		return faults.ModelLoad(fmt.Sprintf("model file %s is empty or not a file", path), nil)
	}

	if !ort.IsInitialized() {
		if s.opts.RuntimeLibrary != "" {
			ort.SetSharedLibraryPath(s.opts.RuntimeLibrary)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return faults.ModelLoad("initialize onnxruntime environment", err)
		}
	}

	outputShape, err := s.checkGraph(path)
	if err != nil {
		return err
	}

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(imageprocessor.InputShape()...))
	if err != nil {
		return faults.ModelLoad("allocate input tensor", err)
	}
	output, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		input.Destroy()
		return faults.ModelLoad("allocate output tensor", err)
	}

	session, err := ort.NewAdvancedSession(path,
		[]string{s.opts.InputName}, []string{s.opts.OutputName},
		[]ort.ArbitraryTensor{input}, []ort.ArbitraryTensor{output},
		nil)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return faults.ModelLoad("create onnxruntime session", err)
	}

	s.session, s.input, s.output = session, input, output
	s.logger.Info("onnx session ready",
		zap.String("path", path),
		zap.Int64s("input_shape", imageprocessor.InputShape()),
		zap.Int64s("output_shape", outputShape),
	)
	return nil
}

// checkGraph verifies the model's named input accepts our tensor and its
// named output has one value per label, returning the concrete output shape.
func (s *ONNXScorer) checkGraph(path string) (ort.Shape, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, faults.ModelLoad("read model inputs and outputs", err)
	}

	in, ok := findInfo(inputs, s.opts.InputName)
	if !ok {
		return nil, faults.ModelLoad(fmt.Sprintf("model has no input named %q", s.opts.InputName), nil)
	}
	want := imageprocessor.InputShape()
	if len(in.Dimensions) != len(want) {
		return nil, faults.ModelLoad(fmt.Sprintf("model input rank %d, want %d", len(in.Dimensions), len(want)), nil)
	}
	for i, d := range in.Dimensions {
		if d > 0 && d != want[i] {
			return nil, faults.ModelLoad(fmt.Sprintf("model input shape %v incompatible with %v", in.Dimensions, want), nil)
		}
	}

	out, ok := findInfo(outputs, s.opts.OutputName)
	if !ok {
		return nil, faults.ModelLoad(fmt.Sprintf("model has no output named %q", s.opts.OutputName), nil)
	}
	shape := make(ort.Shape, len(out.Dimensions))
	for i, d := range out.Dimensions {
		if d <= 0 {
			d = 1
		}
		shape[i] = d
	}
	if shape.FlattenedSize() != int64(classifier.NumLabels) {
		return nil, faults.ModelLoad(fmt.Sprintf("model output shape %v does not produce %d classes", out.Dimensions, classifier.NumLabels), nil)
	}
	return shape, nil
}

func findInfo(infos []ort.InputOutputInfo, name string) (ort.InputOutputInfo, bool) {
	for _, info := range infos {
		if info.Name == name {
			return info, true
		}
	}
	return ort.InputOutputInfo{}, false
}

// Score runs one inference.
func (s *ONNXScorer) Score(tensor imageprocessor.Tensor) (classifier.Distribution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return nil, faults.NotLoaded("score called before load")
	}

	dst := s.input.GetData()
	if len(tensor.Data) != len(dst) || tensor.Elements() != len(dst) {
		return nil, faults.Inference(fmt.Sprintf("input tensor shape %v does not match model input %v", tensor.Shape, s.input.GetShape()), nil)
	}
	copy(dst, tensor.Data)

	if err := s.session.Run(); err != nil {
		return nil, faults.Inference("onnxruntime run failed", err)
	}

	raw := s.output.GetData()
	scores := make([]float32, len(raw))
	copy(scores, raw)
	return classifier.FromScores(scores, s.opts.ApplySoftmax)
}

// Close releases the session and the runtime environment.
func (s *ONNXScorer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if s.session != nil {
		errs = append(errs, s.session.Destroy())
		s.session = nil
	}
	if s.input != nil {
		errs = append(errs, s.input.Destroy())
		s.input = nil
	}
	if s.output != nil {
		errs = append(errs, s.output.Destroy())
		s.output = nil
	}
	if ort.IsInitialized() {
		errs = append(errs, ort.DestroyEnvironment())
	}
	return errors.Join(errs...)
}
