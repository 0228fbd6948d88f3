package model

import (
	"encoding/gob"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// checkpoint is the gob payload of a saved network. Tensors are encoded by
// tensor.Dense itself.
type checkpoint struct {
	Spec    Spec
	Names   []string
	Tensors []*tensor.Dense
}

// ErrCheckpointMismatch is returned when a checkpoint does not fit the network
// it is loaded into.
var ErrCheckpointMismatch = errors.New("checkpoint does not match network")

// Save writes the network parameters to path, creating parent directories.
// The file is replaced atomically.
func (n *Net) Save(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "create checkpoint directory %s", dir)
		}
	}

	ckpt := checkpoint{Spec: n.spec}
	for _, p := range n.params {
		ckpt.Names = append(ckpt.Names, p.Name)
		ckpt.Tensors = append(ckpt.Tensors, p.Value)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create checkpoint")
	}
	defer os.Remove(tmp.Name())

	if err := gob.NewEncoder(tmp).Encode(&ckpt); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "encode checkpoint %s", path)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "close checkpoint %s", path)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrapf(err, "rename checkpoint to %s", path)
	}
	return nil
}

// Load replaces the parameters of n with those stored at path. The stored
// layout must match n exactly.
func (n *Net) Load(path string) error {
	ckpt, err := readCheckpoint(path)
	if err != nil {
		return err
	}
	if ckpt.Spec != n.spec {
		return errors.Wrapf(ErrCheckpointMismatch, "%s holds %s, network is %s", path, ckpt.Spec, n.spec)
	}
	if len(ckpt.Tensors) != len(n.params) || len(ckpt.Names) != len(n.params) {
		return errors.Wrapf(ErrCheckpointMismatch, "%s holds %d tensors, want %d", path, len(ckpt.Tensors), len(n.params))
	}
	for i, p := range n.params {
		src := ckpt.Tensors[i]
		if ckpt.Names[i] != p.Name {
			return errors.Wrapf(ErrCheckpointMismatch, "tensor %d is %s, want %s", i, ckpt.Names[i], p.Name)
		}
		if src == nil || !src.Shape().Eq(p.Value.Shape()) {
			return errors.Wrapf(ErrCheckpointMismatch, "%s has wrong shape", p.Name)
		}
		data, ok := src.Data().([]float64)
		if !ok {
			return errors.Wrapf(ErrCheckpointMismatch, "%s has dtype %v", p.Name, src.Dtype())
		}
		// Copy in place: cached graphs are bound to the existing tensors.
		copy(p.Value.Data().([]float64), data)
	}
	return nil
}

// Open builds a network from the layout recorded in the checkpoint at path
// and loads its parameters.
func Open(path string) (*Net, error) {
	ckpt, err := readCheckpoint(path)
	if err != nil {
		return nil, err
	}
	net, err := New(ckpt.Spec, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "checkpoint %s", path)
	}
	if err := net.Load(path); err != nil {
		return nil, err
	}
	return net, nil
}

func readCheckpoint(path string) (*checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open checkpoint")
	}
	defer f.Close()

	var ckpt checkpoint
	if err := gob.NewDecoder(f).Decode(&ckpt); err != nil {
		return nil, errors.Wrapf(err, "decode checkpoint %s", path)
	}
	return &ckpt, nil
}
