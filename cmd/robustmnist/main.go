// Command robustmnist trains, evaluates and probes MNIST classifiers.
//
// Usage:
//
//	robustmnist [flags] train|evaluate|show|probe
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"

	"robustmnist/internal/adversarial"
	"robustmnist/internal/config"
	"robustmnist/internal/dataset"
	"robustmnist/internal/display"
	"robustmnist/internal/model"
	"robustmnist/internal/trainer"
)

func main() {
	cfgPath := flag.String("config", "configs/mnist.yaml", "Path to YAML config")
	dataRoot := flag.String("data-root", "", "Override dataset root")
	noDownload := flag.Bool("no-download", false, "Fail instead of downloading missing archives")
	epochs := flag.Int("epochs", 0, "Number of training epochs")
	batchSize := flag.Int("batch-size", 0, "Training batch size")
	lr := flag.Float64("lr", 0, "Adam learning rate")
	seed := flag.Int64("seed", 0, "PRNG seed")
	logEvery := flag.Int("log-every", 0, "Log every N iterations")
	modelName := flag.String("model", "", "Restrict to the named model")
	shards := flag.String("shards", "", "Evaluate or probe WebDataset shards under this directory instead of the MNIST test split")
	limit := flag.Int("limit", 0, "Use only the first N evaluation examples")
	epsList := flag.String("eps", "0,0.5,1,2,3", "Comma separated L2 radii for probe")
	out := flag.String("out", "digit.png", "Output image for show")
	index := flag.Int("index", 0, "Training example rendered by show")

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] train|evaluate|show|probe\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	cfg.ApplyOverrides(config.Overrides{
		DataRoot:     *dataRoot,
		Epochs:       *epochs,
		BatchSize:    *batchSize,
		Seed:         *seed,
		LogEvery:     *logEvery,
		LearningRate: *lr,
		NoDownload:   *noDownload,
	})

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	models := cfg.Models
	if *modelName != "" {
		m, err := cfg.Model(*modelName)
		if err != nil {
			log.Fatalf("%v", err)
		}
		models = []config.ModelConfig{m}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &app{cfg: cfg, models: models, shards: *shards, limit: *limit}
	switch cmd := flag.Arg(0); cmd {
	case "train":
		err = app.train(ctx)
	case "evaluate":
		err = app.evaluate(ctx)
	case "show":
		err = app.show(ctx, *index, *out)
	case "probe":
		var eps []float64
		if eps, err = parseEpsilons(*epsList); err == nil {
			err = app.probe(ctx, eps)
		}
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s failed: %v", flag.Arg(0), err)
	}
}

type app struct {
	cfg    *config.Config
	models []config.ModelConfig
	shards string
	limit  int
}

func (a *app) mnist(ctx context.Context, train bool) (*dataset.Set, error) {
	return dataset.LoadMNIST(ctx, dataset.Options{
		Root:     a.cfg.DataRoot,
		Train:    train,
		Download: a.cfg.Download,
		Mirror:   a.cfg.Mirror,
	})
}

// heldOut returns the evaluation set: custom shards when configured,
// otherwise the MNIST test split.
func (a *app) heldOut(ctx context.Context) (*dataset.Set, error) {
	var (
		set *dataset.Set
		err error
	)
	if a.shards != "" {
		set, err = dataset.LoadShards(ctx, a.shards)
	} else {
		set, err = a.mnist(ctx, false)
	}
	if err != nil {
		return nil, err
	}
	set = set.Head(a.limit)
	log.Printf("evaluation set examples=%d", set.Len())
	return set, nil
}

func (a *app) train(ctx context.Context) error {
	trainSet, err := a.mnist(ctx, true)
	if err != nil {
		return err
	}
	testSet, err := a.heldOut(ctx)
	if err != nil {
		return err
	}
	log.Printf("training set examples=%d", trainSet.Len())

	for _, mc := range a.models {
		spec, err := model.NewSpec(mc.Arch, mc.Activation, mc.Filters)
		if err != nil {
			return errors.Wrapf(err, "model %s", mc.Name)
		}
		net, err := model.New(spec, a.cfg.Seed)
		if err != nil {
			return errors.Wrapf(err, "model %s", mc.Name)
		}
		log.Printf("model=%s spec=%s params=%d", mc.Name, spec, net.NumParams())

		loader := dataset.TrainLoader(trainSet, a.cfg.BatchSize, a.cfg.Seed)
		loader.Shuffle = a.cfg.Shuffle
		runCfg := trainer.RunConfig{
			Epochs:     a.cfg.Epochs,
			LogEvery:   a.cfg.LogEvery,
			Checkpoint: mc.Checkpoint,
		}
		if err := trainer.Train(ctx, model.NewAdam(net, a.cfg.LearningRate), loader, runCfg); err != nil {
			return errors.Wrapf(err, "model %s", mc.Name)
		}
		if _, err := trainer.Evaluate(ctx, net, dataset.TestLoader(testSet, a.cfg.TestBatchSize)); err != nil {
			return errors.Wrapf(err, "model %s", mc.Name)
		}
	}
	return nil
}

func (a *app) evaluate(ctx context.Context) error {
	set, err := a.heldOut(ctx)
	if err != nil {
		return err
	}
	for _, mc := range a.models {
		net, err := model.Open(mc.Checkpoint)
		if err != nil {
			return errors.Wrapf(err, "model %s", mc.Name)
		}
		log.Printf("model=%s spec=%s checkpoint=%s", mc.Name, net.Spec(), mc.Checkpoint)
		if _, err := trainer.Evaluate(ctx, net, dataset.TestLoader(set, a.cfg.TestBatchSize)); err != nil {
			return errors.Wrapf(err, "model %s", mc.Name)
		}
	}
	return nil
}

func (a *app) show(ctx context.Context, index int, out string) error {
	set, err := a.mnist(ctx, true)
	if err != nil {
		return err
	}
	fmt.Println("MNIST training data are loaded.")
	if index < 0 || index >= set.Len() {
		return errors.Errorf("index %d out of range [0,%d)", index, set.Len())
	}
	image := set.Images[index]
	fmt.Printf("The type of the image is %T.\n", image)
	fmt.Printf("The size of the image is [%d %d %d].\n", 1, model.ImageRows, model.ImageCols)

	mc := a.models[0]
	net, err := model.Open(mc.Checkpoint)
	if err != nil {
		return errors.Wrapf(err, "model %s", mc.Name)
	}
	probs, err := net.Predict([][]float64{image})
	if err != nil {
		return err
	}
	pred := model.Argmax(probs[0])
	fmt.Print(display.ASCII(image))
	fmt.Printf("model=%s predicted=%d label=%d\n", mc.Name, pred, set.Labels[index])

	if err := display.RenderDigit(image, pred, out); err != nil {
		return err
	}
	log.Printf("rendered path=%s", out)
	return nil
}

func (a *app) probe(ctx context.Context, eps []float64) error {
	set, err := a.heldOut(ctx)
	if err != nil {
		return err
	}
	for _, mc := range a.models {
		net, err := model.Open(mc.Checkpoint)
		if err != nil {
			return errors.Wrapf(err, "model %s", mc.Name)
		}
		est := adversarial.Wrap(net, adversarial.Options{
			LearningRate: a.cfg.LearningRate,
			BatchSize:    a.cfg.BatchSize,
			Seed:         a.cfg.Seed,
		})
		log.Printf("model=%s classes=%d input_shape=%v", mc.Name, est.NbClasses(), est.InputShape())
		if _, err := adversarial.Probe(ctx, est, set, eps, a.cfg.Seed); err != nil {
			return errors.Wrapf(err, "model %s", mc.Name)
		}
	}
	return nil
}

func parseEpsilons(s string) ([]float64, error) {
	var eps []float64
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parse epsilon %q", field)
		}
		if v < 0 {
			return nil, errors.Errorf("epsilon %g is negative", v)
		}
		eps = append(eps, v)
	}
	if len(eps) == 0 {
		return nil, errors.New("no epsilon given")
	}
	return eps, nil
}
