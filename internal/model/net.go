package model

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

type layerKind int

const (
	convLayer layerKind = iota
	denseLayer
)

// layer is one learnable stage. Convolutions are square with equal stride and
// padding on both axes.
type layer struct {
	kind   layerKind
	name   string
	in     int
	out    int
	kernel int
	stride int
	pad    int
}

func (l layer) weightShape() tensor.Shape {
	if l.kind == convLayer {
		return tensor.Shape{l.out, l.in, l.kernel, l.kernel}
	}
	return tensor.Shape{l.in, l.out}
}

// biasShape keeps singleton axes so the bias broadcasts over the batch (and
// the spatial axes for convolutions).
func (l layer) biasShape() tensor.Shape {
	if l.kind == convLayer {
		return tensor.Shape{1, l.out, 1, 1}
	}
	return tensor.Shape{1, l.out}
}

func (l layer) fanIn() int {
	if l.kind == convLayer {
		return l.in * l.kernel * l.kernel
	}
	return l.in
}

func (l layer) outSize(size int) int {
	return (size+2*l.pad-l.kernel)/l.stride + 1
}

func layersFor(spec Spec) ([]layer, error) {
	var layers []layer
	switch spec.Arch {
	case SimpleArch:
		layers = []layer{
			{kind: convLayer, name: "conv1", in: 1, out: 2, kernel: 4, stride: 1},
			{kind: denseLayer, name: "fc1", out: NumClasses},
		}
	case MNISTArch:
		f := spec.Filters
		if f <= 0 {
			return nil, errors.Errorf("filters must be > 0 (got %d)", f)
		}
		layers = []layer{
			{kind: convLayer, name: "conv1", in: 1, out: f, kernel: 8, stride: 2, pad: 3},
			{kind: convLayer, name: "conv2", in: f, out: 2 * f, kernel: 6, stride: 2},
			{kind: convLayer, name: "conv3", in: 2 * f, out: 2 * f, kernel: 5, stride: 1},
			{kind: denseLayer, name: "fc1", out: NumClasses},
		}
	default:
		return nil, errors.Wrapf(ErrUnknownArch, "%q", spec.Arch)
	}

	// Resolve the flattened width feeding the dense read-out.
	channels, size := 1, ImageRows
	for i := range layers {
		switch layers[i].kind {
		case convLayer:
			size = layers[i].outSize(size)
			if size <= 0 {
				return nil, errors.Errorf("%s: output collapses to %d", layers[i].name, size)
			}
			channels = layers[i].out
		case denseLayer:
			layers[i].in = channels * size * size
			channels, size = layers[i].out, 1
		}
	}
	return layers, nil
}

// Param is a named learnable tensor.
type Param struct {
	Name  string
	Value *tensor.Dense
}

// Net is a convolutional MNIST classifier whose forward and backward passes are
// evaluated by gorgonia graphs. A Net is not safe for concurrent use.
type Net struct {
	spec   Spec
	layers []layer
	params []Param

	graphs map[int]*graph
}

// maxCachedGraphs bounds the inference graphs kept per Net.
const maxCachedGraphs = 4

// New builds a network for spec with parameters drawn uniformly from
// ±1/sqrt(fan_in).
func New(spec Spec, seed int64) (*Net, error) {
	if spec.Activation != ReLU && spec.Activation != ELU {
		return nil, errors.Wrapf(ErrInvalidActivation, "%q", spec.Activation)
	}
	layers, err := layersFor(spec)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))
	params := make([]Param, 0, 2*len(layers))
	for _, l := range layers {
		bound := 1 / math.Sqrt(float64(l.fanIn()))
		params = append(params,
			Param{Name: l.name + ".weight", Value: uniform(rng, l.weightShape(), bound)},
			Param{Name: l.name + ".bias", Value: uniform(rng, l.biasShape(), bound)},
		)
	}
	return &Net{
		spec:   spec,
		layers: layers,
		params: params,
		graphs: make(map[int]*graph),
	}, nil
}

// NewSimpleNet returns the single-convolution toy network.
func NewSimpleNet(seed int64) (*Net, error) {
	return New(Spec{Arch: SimpleArch, Activation: ReLU}, seed)
}

// NewMNISTClassifier returns the three-convolution network with the given
// first-layer filter count and activation.
func NewMNISTClassifier(filters int, activation Activation, seed int64) (*Net, error) {
	if filters <= 0 {
		filters = DefaultFilters
	}
	return New(Spec{Arch: MNISTArch, Activation: activation, Filters: filters}, seed)
}

func uniform(rng *rand.Rand, shape tensor.Shape, bound float64) *tensor.Dense {
	backing := make([]float64, shape.TotalSize())
	for i := range backing {
		backing[i] = (rng.Float64()*2 - 1) * bound
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(backing))
}

// Spec reports the layout of the network.
func (n *Net) Spec() Spec { return n.spec }

// Params returns the learnable tensors in a fixed order. The tensors are
// shared with the network.
func (n *Net) Params() []Param { return n.params }

// NumParams counts scalar parameters.
func (n *Net) NumParams() int {
	total := 0
	for _, p := range n.params {
		total += p.Value.Shape().TotalSize()
	}
	return total
}

// PredictBatch is the largest number of rows evaluated per graph run.
const PredictBatch = 128

// Predict returns one probability vector of length NumClasses per input row.
func (n *Net) Predict(inputs [][]float64) ([][]float64, error) {
	out := make([][]float64, 0, len(inputs))
	for start := 0; start < len(inputs); start += PredictBatch {
		end := start + PredictBatch
		if end > len(inputs) {
			end = len(inputs)
		}
		probs, err := n.predictChunk(inputs[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, probs...)
	}
	return out, nil
}

func (n *Net) predictChunk(inputs [][]float64) ([][]float64, error) {
	x, err := inputTensor(inputs)
	if err != nil {
		return nil, err
	}
	g, err := n.inferenceGraph(len(inputs))
	if err != nil {
		return nil, err
	}
	if err := g.run(x, nil); err != nil {
		return nil, err
	}
	return g.probabilities()
}

func (n *Net) inferenceGraph(batch int) (*graph, error) {
	if g, ok := n.graphs[batch]; ok {
		return g, nil
	}
	g, err := n.build(batch, inferMode)
	if err != nil {
		return nil, err
	}
	if len(n.graphs) >= maxCachedGraphs {
		for k := range n.graphs {
			delete(n.graphs, k)
		}
	}
	n.graphs[batch] = g
	return g, nil
}

func inputTensor(inputs [][]float64) (*tensor.Dense, error) {
	if len(inputs) == 0 {
		return nil, errors.New("empty input batch")
	}
	backing := make([]float64, len(inputs)*ImageSize)
	for i, in := range inputs {
		if len(in) != ImageSize {
			return nil, errors.Errorf("input %d has %d values, want %d", i, len(in), ImageSize)
		}
		copy(backing[i*ImageSize:], in)
	}
	return tensor.New(tensor.WithShape(len(inputs), 1, ImageRows, ImageCols), tensor.WithBacking(backing)), nil
}

func labelTensor(labels []int) (*tensor.Dense, error) {
	backing := make([]float64, len(labels)*NumClasses)
	for i, label := range labels {
		if label < 0 || label >= NumClasses {
			return nil, errors.Errorf("label %d out of range [0,%d)", label, NumClasses)
		}
		backing[i*NumClasses+label] = 1
	}
	return tensor.New(tensor.WithShape(len(labels), NumClasses), tensor.WithBacking(backing)), nil
}

// Argmax returns the index of the largest value.
func Argmax(values []float64) int {
	best := 0
	for i := 1; i < len(values); i++ {
		if values[i] > values[best] {
			best = i
		}
	}
	return best
}
