package trainer

import (
	"context"
	"log"
	"time"

	"github.com/pkg/errors"

	"robustmnist/internal/dataset"
	"robustmnist/internal/metrics"
	"robustmnist/internal/model"
)

// Defaults of a training run.
const (
	DefaultEpochs   = 25
	DefaultLogEvery = 20
)

// RunConfig captures the knobs required by the training loop.
type RunConfig struct {
	Epochs   int
	LogEvery int
	// Checkpoint, when set, receives the parameters after the last epoch.
	Checkpoint string
}

// Checkpointer persists trained parameters.
type Checkpointer interface {
	Save(path string) error
}

// Train runs cfg.Epochs passes of loader through mdl, logging the mean loss
// every cfg.LogEvery iterations.
func Train(ctx context.Context, mdl model.Model, loader *dataset.Loader, cfg RunConfig) error {
	if cfg.Epochs <= 0 {
		cfg.Epochs = DefaultEpochs
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = DefaultLogEvery
	}
	if loader == nil || loader.Set == nil || loader.Set.Len() == 0 {
		return errors.New("trainer: empty training set")
	}

	log.Printf("device=cpu batches_per_epoch=%d epochs=%d", loader.NumBatches(), cfg.Epochs)

	var window metrics.Window
	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		batches, errCh := loader.Batches(ctx, epoch)
		iteration := 0
		startData := time.Now()
		for batch := range batches {
			dataTime := time.Since(startData)

			startCompute := time.Now()
			loss, err := mdl.TrainStep(batch)
			if err != nil {
				drain(batches)
				return errors.Wrapf(err, "epoch %d iteration %d", epoch, iteration)
			}
			window.Record(len(batch.Inputs), dataTime, time.Since(startCompute), loss)

			if iteration%cfg.LogEvery == cfg.LogEvery-1 {
				logWindow(epoch, iteration, window.Snapshot())
			}
			iteration++
			startData = time.Now()
		}
		if err := <-errCh; err != nil {
			return errors.Wrapf(err, "epoch %d", epoch)
		}
	}
	if window.Steps() > 0 {
		logWindow(cfg.Epochs-1, -1, window.Snapshot())
	}
	log.Printf("training complete")

	if cfg.Checkpoint != "" {
		saver, ok := mdl.(Checkpointer)
		if !ok {
			return errors.Errorf("trainer: %T cannot be checkpointed", mdl)
		}
		if err := saver.Save(cfg.Checkpoint); err != nil {
			return err
		}
		log.Printf("checkpoint saved path=%s", cfg.Checkpoint)
	}
	return nil
}

func logWindow(epoch, iteration int, snap metrics.Snapshot) {
	log.Printf("epoch=%d iteration=%d loss=%.4f images_per_sec=%.1f data_ms=%.2f compute_ms=%.2f",
		epoch,
		iteration,
		snap.MeanLoss,
		snap.ImagesPerSec,
		snap.AvgDataMS,
		snap.AvgComputeMS,
	)
}

// drain unblocks a loader goroutine after an early return.
func drain(batches <-chan model.Batch) {
	go func() {
		for range batches {
		}
	}()
}
