package model

import (
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
)

// DefaultLearningRate matches the Adam default step size.
const DefaultLearningRate = 0.001

// Adam trains a Net with the Adam solver. It compiles one training graph per
// distinct batch size; all graphs share the network parameters and the solver
// state.
type Adam struct {
	net    *Net
	solver gorgonia.Solver
	graphs map[int]*graph
}

var _ Model = (*Adam)(nil)

// NewAdam returns an optimizer for net. A non-positive learningRate selects
// DefaultLearningRate.
func NewAdam(net *Net, learningRate float64) *Adam {
	if learningRate <= 0 {
		learningRate = DefaultLearningRate
	}
	return &Adam{
		net:    net,
		solver: gorgonia.NewAdamSolver(gorgonia.WithLearnRate(learningRate)),
		graphs: make(map[int]*graph),
	}
}

// TrainStep runs forward and backward passes over batch, applies one Adam
// update and returns the mean loss of the batch before the update.
func (a *Adam) TrainStep(batch Batch) (float64, error) {
	if len(batch.Inputs) != len(batch.Labels) {
		return 0, errors.Errorf("batch has %d inputs but %d labels", len(batch.Inputs), len(batch.Labels))
	}
	x, err := inputTensor(batch.Inputs)
	if err != nil {
		return 0, err
	}
	y, err := labelTensor(batch.Labels)
	if err != nil {
		return 0, err
	}

	g, ok := a.graphs[len(batch.Inputs)]
	if !ok {
		if g, err = a.net.build(len(batch.Inputs), trainMode); err != nil {
			return 0, err
		}
		a.graphs[len(batch.Inputs)] = g
	}

	if err := g.run(x, y); err != nil {
		return 0, err
	}
	loss, err := g.loss()
	if err != nil {
		return 0, err
	}
	if err := a.solver.Step(gorgonia.NodesToValueGrads(g.params)); err != nil {
		return 0, errors.Wrap(err, "adam step")
	}
	if err := a.net.syncFrom(g); err != nil {
		return 0, err
	}
	return loss, nil
}

// syncFrom copies the parameter values held by g back into the network
// tensors so every graph bound to them observes the update.
func (n *Net) syncFrom(g *graph) error {
	for i, p := range n.params {
		src, err := float64s(g.params[i].Value())
		if err != nil {
			return errors.Wrapf(err, "sync %s", p.Name)
		}
		dst := p.Value.Data().([]float64)
		if len(src) != len(dst) {
			return errors.Errorf("sync %s: %d values, want %d", p.Name, len(src), len(dst))
		}
		if &src[0] != &dst[0] {
			copy(dst, src)
		}
	}
	return nil
}

// LossGradient returns, for every row, the gradient of that row's
// negative log-likelihood with respect to its pixels.
func (n *Net) LossGradient(inputs [][]float64, labels []int) ([][]float64, error) {
	if len(inputs) != len(labels) {
		return nil, errors.Errorf("%d inputs but %d labels", len(inputs), len(labels))
	}
	out := make([][]float64, 0, len(inputs))
	for start := 0; start < len(inputs); start += PredictBatch {
		end := start + PredictBatch
		if end > len(inputs) {
			end = len(inputs)
		}
		grads, err := n.lossGradientChunk(inputs[start:end], labels[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, grads...)
	}
	return out, nil
}

func (n *Net) lossGradientChunk(inputs [][]float64, labels []int) ([][]float64, error) {
	x, err := inputTensor(inputs)
	if err != nil {
		return nil, err
	}
	y, err := labelTensor(labels)
	if err != nil {
		return nil, err
	}
	g, err := n.build(len(inputs), inputGradMode)
	if err != nil {
		return nil, err
	}
	if err := g.run(x, y); err != nil {
		return nil, err
	}
	flat, err := float64s(g.inputGrad.Value())
	if err != nil {
		return nil, errors.Wrap(err, "read input gradient")
	}
	// The graph loss averages over the batch; undo that so each row carries
	// the gradient of its own loss.
	scale := float64(len(inputs))
	out := make([][]float64, len(inputs))
	for i := range out {
		row := make([]float64, ImageSize)
		for j := range row {
			row[j] = flat[i*ImageSize+j] * scale
		}
		out[i] = row
	}
	return out, nil
}

// Save checkpoints the network being optimized.
func (a *Adam) Save(path string) error { return a.net.Save(path) }
