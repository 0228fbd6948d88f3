package adversarial

import (
	"context"
	"math"
	"math/rand"
	"reflect"
	"testing"

	"github.com/pkg/errors"

	"robustmnist/internal/dataset"
	"robustmnist/internal/model"
	"robustmnist/internal/perturb"
	"robustmnist/internal/trainer"
)

func TestClassifierGeometry(t *testing.T) {
	c := wrapSimple(t)
	if c.NbClasses() != 10 {
		t.Fatalf("NbClasses=%d", c.NbClasses())
	}
	if !reflect.DeepEqual(c.InputShape(), []int{1, 28, 28}) {
		t.Fatalf("InputShape=%v", c.InputShape())
	}
	if lo, hi := c.ClipValues(); lo != 0 || hi != 1 {
		t.Fatalf("ClipValues=(%v,%v)", lo, hi)
	}
}

func TestClassifierRejectsOutOfRange(t *testing.T) {
	c := wrapSimple(t)
	img := make([]float64, model.ImageSize)
	img[10] = 1.5
	if _, err := c.Predict([][]float64{img}); err == nil {
		t.Fatal("expected range error from Predict")
	}
	if _, err := c.LossGradient([][]float64{img}, []int{0}); err == nil {
		t.Fatal("expected range error from LossGradient")
	}
}

func TestClassifierLossGradientShape(t *testing.T) {
	c := wrapSimple(t)
	set := randomSet(3, 4)
	grads, err := c.LossGradient(set.Images, set.Labels)
	if err != nil {
		t.Fatalf("LossGradient: %v", err)
	}
	if len(grads) != 3 {
		t.Fatalf("got %d gradient rows", len(grads))
	}
	for i, g := range grads {
		if len(g) != model.ImageSize {
			t.Fatalf("row %d has %d values", i, len(g))
		}
		nonZero := false
		for _, v := range g {
			if math.IsNaN(v) {
				t.Fatalf("row %d has NaN gradient", i)
			}
			if v != 0 {
				nonZero = true
			}
		}
		if !nonZero {
			t.Fatalf("row %d gradient is all zero", i)
		}
	}
}

func TestClassifierFit(t *testing.T) {
	c := wrapSimple(t)
	if err := c.Fit(context.Background(), randomSet(8, 5), 1); err != nil {
		t.Fatalf("Fit: %v", err)
	}
}

func TestAttackStartStaysValid(t *testing.T) {
	// An attack seeds its search with a random start and queries gradients there.
	c := wrapSimple(t)
	set := randomSet(2, 6)
	sampler := perturb.NewSampler(rand.New(rand.NewSource(1)))
	starts, err := sampler.Points(set.Images, 1.0)
	if err != nil {
		t.Fatalf("Points: %v", err)
	}
	if _, err := c.LossGradient(starts, set.Labels); err != nil {
		t.Fatalf("LossGradient at start: %v", err)
	}
}

func TestProbeZeroRadiusMatchesEvaluate(t *testing.T) {
	c := wrapSimple(t)
	set := randomSet(20, 7)
	clean, err := trainer.Evaluate(context.Background(), c, dataset.TestLoader(set, 8))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	results, err := Probe(context.Background(), c, set, []float64{0, 0.5}, 3)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results", len(results))
	}
	if results[0].Accuracy != clean.Accuracy {
		t.Fatalf("zero-radius probe %+v differs from clean %+v", results[0].Accuracy, clean.Accuracy)
	}
	if results[1].Epsilon != 0.5 || results[1].Accuracy.Total != 20 {
		t.Fatalf("unexpected probe result %+v", results[1])
	}
}

func TestProbeUnreachableRadius(t *testing.T) {
	c := wrapSimple(t)
	_, err := Probe(context.Background(), c, randomSet(1, 8), []float64{100}, 1)
	if !errors.Is(err, perturb.ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
}

func wrapSimple(t *testing.T) *Classifier {
	t.Helper()
	net, err := model.NewSimpleNet(1)
	if err != nil {
		t.Fatalf("NewSimpleNet: %v", err)
	}
	return Wrap(net, Options{LearningRate: 0.01, BatchSize: 4, Seed: 1})
}

func randomSet(n int, seed int64) *dataset.Set {
	rng := rand.New(rand.NewSource(seed))
	set := &dataset.Set{}
	for i := 0; i < n; i++ {
		img := make([]float64, model.ImageSize)
		for j := range img {
			img[j] = rng.Float64()
		}
		set.Images = append(set.Images, img)
		set.Labels = append(set.Labels, i%model.NumClasses)
	}
	return set
}
