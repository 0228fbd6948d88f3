package model

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Image geometry and class count of the MNIST digits the networks consume.
const (
	ImageRows  = 28
	ImageCols  = 28
	ImageSize  = ImageRows * ImageCols
	NumClasses = 10
)

// Batch represents a minibatch of features and labels.
type Batch struct {
	Inputs [][]float64
	Labels []int
}

// Model defines the minimal training functionality required by the trainer.
type Model interface {
	TrainStep(batch Batch) (float64, error)
}

// Predictor maps flattened images to per-class probabilities.
type Predictor interface {
	Predict(inputs [][]float64) ([][]float64, error)
}

// ErrInvalidActivation is returned for an activation name other than relu or elu.
var ErrInvalidActivation = errors.New("the activation function is not valid")

// ErrUnknownArch is returned for an architecture name that is not defined.
var ErrUnknownArch = errors.New("unknown architecture")

// Activation names the nonlinearity applied after each convolution.
type Activation string

const (
	ReLU Activation = "relu"
	ELU  Activation = "elu"
)

// ParseActivation maps a config value to an Activation.
func ParseActivation(s string) (Activation, error) {
	switch a := Activation(strings.ToLower(strings.TrimSpace(s))); a {
	case ReLU, ELU:
		return a, nil
	case "":
		return ReLU, nil
	default:
		return "", errors.Wrapf(ErrInvalidActivation, "%q", s)
	}
}

// Arch names one of the network layouts.
type Arch string

const (
	// SimpleArch is a single convolution followed by a linear read-out.
	SimpleArch Arch = "simple"
	// MNISTArch is the three-convolution CleverHans tutorial network.
	MNISTArch Arch = "mnist"
)

// DefaultFilters is the filter count of the first MNISTArch convolution.
const DefaultFilters = 64

// Spec identifies a network layout. It is stored in every checkpoint.
type Spec struct {
	Arch       Arch
	Activation Activation
	Filters    int
}

// NewSpec validates and normalizes the config strings for a network.
func NewSpec(arch, activation string, filters int) (Spec, error) {
	act, err := ParseActivation(activation)
	if err != nil {
		return Spec{}, err
	}
	switch a := Arch(strings.ToLower(strings.TrimSpace(arch))); a {
	case SimpleArch:
		if act != ReLU {
			return Spec{}, errors.Wrapf(ErrInvalidActivation, "%s network only supports relu, got %q", a, act)
		}
		return Spec{Arch: a, Activation: ReLU}, nil
	case MNISTArch, "":
		if filters <= 0 {
			filters = DefaultFilters
		}
		return Spec{Arch: MNISTArch, Activation: act, Filters: filters}, nil
	default:
		return Spec{}, errors.Wrapf(ErrUnknownArch, "%q", arch)
	}
}

func (s Spec) String() string {
	if s.Arch == SimpleArch {
		return string(s.Arch)
	}
	return string(s.Arch) + "/" + string(s.Activation) + "/" + strconv.Itoa(s.Filters)
}
