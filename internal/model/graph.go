package model

import (
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

type graphMode int

const (
	inferMode graphMode = iota
	trainMode
	inputGradMode
)

// probFloor keeps log(p) finite when a softmax output underflows to zero.
const probFloor = 1e-12

// graph is a compiled forward (and optionally backward) pass for one batch size.
type graph struct {
	batch     int
	g         *gorgonia.ExprGraph
	x         *gorgonia.Node
	y         *gorgonia.Node
	probs     *gorgonia.Node
	cost      *gorgonia.Node
	inputGrad *gorgonia.Node
	params    gorgonia.Nodes
	vm        gorgonia.VM
}

// build lays out the network in a fresh expression graph. Parameter nodes are
// bound to the tensors owned by n.
func (n *Net) build(batch int, mode graphMode) (*graph, error) {
	eg := gorgonia.NewGraph()
	gr := &graph{batch: batch, g: eg}
	gr.x = gorgonia.NewTensor(eg, tensor.Float64, 4,
		gorgonia.WithShape(batch, 1, ImageRows, ImageCols),
		gorgonia.WithName("x"))

	gr.params = make(gorgonia.Nodes, len(n.params))
	for i, p := range n.params {
		gr.params[i] = gorgonia.NewTensor(eg, tensor.Float64, p.Value.Dims(),
			gorgonia.WithShape(p.Value.Shape()...),
			gorgonia.WithValue(p.Value),
			gorgonia.WithName(p.Name))
	}

	h := gr.x
	var err error
	for i, l := range n.layers {
		w, b := gr.params[2*i], gr.params[2*i+1]
		switch l.kind {
		case convLayer:
			if h, err = gorgonia.Conv2d(h, w, tensor.Shape{l.kernel, l.kernel},
				[]int{l.pad, l.pad}, []int{l.stride, l.stride}, []int{1, 1}); err != nil {
				return nil, errors.Wrapf(err, "%s", l.name)
			}
			if h, err = gorgonia.BroadcastAdd(h, b, nil, []byte{0, 2, 3}); err != nil {
				return nil, errors.Wrapf(err, "%s bias", l.name)
			}
			if h, err = activate(h, n.spec.Activation); err != nil {
				return nil, errors.Wrapf(err, "%s activation", l.name)
			}
		case denseLayer:
			if h.Dims() != 2 {
				if h, err = gorgonia.Reshape(h, tensor.Shape{batch, l.in}); err != nil {
					return nil, errors.Wrapf(err, "%s flatten", l.name)
				}
			}
			if h, err = gorgonia.Mul(h, w); err != nil {
				return nil, errors.Wrapf(err, "%s", l.name)
			}
			if h, err = gorgonia.BroadcastAdd(h, b, nil, []byte{0}); err != nil {
				return nil, errors.Wrapf(err, "%s bias", l.name)
			}
		}
	}
	if gr.probs, err = gorgonia.SoftMax(h); err != nil {
		return nil, errors.Wrap(err, "softmax")
	}

	switch mode {
	case inferMode:
		gr.vm = gorgonia.NewTapeMachine(eg)
		return gr, nil
	case trainMode:
		if err := gr.buildLoss(); err != nil {
			return nil, err
		}
		if _, err := gorgonia.Grad(gr.cost, gr.params...); err != nil {
			return nil, errors.Wrap(err, "parameter gradients")
		}
		gr.vm = gorgonia.NewTapeMachine(eg, gorgonia.BindDualValues(gr.params...))
		return gr, nil
	case inputGradMode:
		if err := gr.buildLoss(); err != nil {
			return nil, err
		}
		grads, err := gorgonia.Grad(gr.cost, gr.x)
		if err != nil {
			return nil, errors.Wrap(err, "input gradient")
		}
		gr.inputGrad = grads[0]
		gr.vm = gorgonia.NewTapeMachine(eg)
		return gr, nil
	}
	return nil, errors.Errorf("unknown graph mode %d", mode)
}

// buildLoss adds the mean negative log-likelihood of the one-hot targets y
// under the softmax output.
func (gr *graph) buildLoss() error {
	gr.y = gorgonia.NewMatrix(gr.g, tensor.Float64,
		gorgonia.WithShape(gr.batch, NumClasses),
		gorgonia.WithName("y"))

	floored, err := gorgonia.Add(gr.probs, gorgonia.NewConstant(probFloor))
	if err != nil {
		return errors.Wrap(err, "loss floor")
	}
	logp, err := gorgonia.Log(floored)
	if err != nil {
		return errors.Wrap(err, "loss log")
	}
	picked, err := gorgonia.HadamardProd(logp, gr.y)
	if err != nil {
		return errors.Wrap(err, "loss select")
	}
	total, err := gorgonia.Sum(picked)
	if err != nil {
		return errors.Wrap(err, "loss sum")
	}
	mean, err := gorgonia.Div(total, gorgonia.NewConstant(float64(gr.batch)))
	if err != nil {
		return errors.Wrap(err, "loss mean")
	}
	if gr.cost, err = gorgonia.Neg(mean); err != nil {
		return errors.Wrap(err, "loss neg")
	}
	return nil
}

// activate applies a. ELU is composed as relu(x) + exp(min(x, 0)) - 1.
func activate(x *gorgonia.Node, a Activation) (*gorgonia.Node, error) {
	switch a {
	case ReLU:
		return gorgonia.Rectify(x)
	case ELU:
		pos, err := gorgonia.Rectify(x)
		if err != nil {
			return nil, err
		}
		neg, err := gorgonia.Sub(x, pos)
		if err != nil {
			return nil, err
		}
		e, err := gorgonia.Exp(neg)
		if err != nil {
			return nil, err
		}
		shifted, err := gorgonia.Sub(e, gorgonia.NewConstant(1.0))
		if err != nil {
			return nil, err
		}
		return gorgonia.Add(pos, shifted)
	default:
		return nil, errors.Wrapf(ErrInvalidActivation, "%q", a)
	}
}

// run feeds one batch through the graph. y may be nil for inference graphs.
func (gr *graph) run(x, y *tensor.Dense) error {
	gr.vm.Reset()
	if err := gorgonia.Let(gr.x, x); err != nil {
		return errors.Wrap(err, "bind inputs")
	}
	if gr.y != nil {
		if y == nil {
			return errors.New("graph needs labels")
		}
		if err := gorgonia.Let(gr.y, y); err != nil {
			return errors.Wrap(err, "bind labels")
		}
	}
	if err := gr.vm.RunAll(); err != nil {
		return errors.Wrap(err, "run graph")
	}
	return nil
}

func (gr *graph) probabilities() ([][]float64, error) {
	flat, err := float64s(gr.probs.Value())
	if err != nil {
		return nil, errors.Wrap(err, "read probabilities")
	}
	out := make([][]float64, gr.batch)
	for i := range out {
		row := make([]float64, NumClasses)
		copy(row, flat[i*NumClasses:(i+1)*NumClasses])
		out[i] = row
	}
	return out, nil
}

func (gr *graph) loss() (float64, error) {
	v := gr.cost.Value()
	if v == nil {
		return 0, errors.New("loss not computed")
	}
	loss, ok := v.Data().(float64)
	if !ok {
		return 0, errors.Errorf("loss has type %T", v.Data())
	}
	return loss, nil
}

func float64s(v gorgonia.Value) ([]float64, error) {
	if v == nil {
		return nil, errors.New("value not computed")
	}
	data, ok := v.Data().([]float64)
	if !ok {
		return nil, errors.Errorf("unexpected data type %T", v.Data())
	}
	return data, nil
}
