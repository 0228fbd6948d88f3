package dataset

import (
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"robustmnist/internal/model"
)

// DefaultMirror serves the original MNIST archives.
const DefaultMirror = "https://storage.googleapis.com/cvdf-datasets/mnist/"

const (
	trainImages = "train-images-idx3-ubyte.gz"
	trainLabels = "train-labels-idx1-ubyte.gz"
	testImages  = "t10k-images-idx3-ubyte.gz"
	testLabels  = "t10k-labels-idx1-ubyte.gz"
)

// Digests are the SHA-256 sums of the four MNIST archives.
var Digests = map[string]string{
	trainImages: "440fcabf73cc546fa21475e81ea370265605f56be210a4024d2ca8f203523609",
	trainLabels: "3552534a0a558bbed6aed32b30c495cca23d567ec52cac8be1a0730e8010255c",
	testImages:  "8d422c7b0a1c1c79245a5bcf07fe86e33eeafee792b84584aec276f5a2dbc4e6",
	testLabels:  "f7ae60f92e00ec6debd23a6088c31dbd2371eca3ffa0defaefb259924204aec6",
}

const (
	imagesMagic = 2051
	labelsMagic = 2049

	// maxExamples guards allocations against corrupt headers.
	maxExamples = 1 << 20
)

// ErrChecksum indicates a downloaded archive does not match its digest.
var ErrChecksum = errors.New("mnist: checksum mismatch")

// Set is an in-memory labeled split. Images are flattened 28x28 rows with
// pixels scaled to [0,1].
type Set struct {
	Images [][]float64
	Labels []int
}

// Len reports the number of examples.
func (s *Set) Len() int { return len(s.Labels) }

// Head returns a view of the first n examples (all of them when n <= 0 or
// n exceeds the size).
func (s *Set) Head(n int) *Set {
	if n <= 0 || n >= s.Len() {
		return s
	}
	return &Set{Images: s.Images[:n], Labels: s.Labels[:n]}
}

// Options selects a split and where it lives.
type Options struct {
	// Root is the dataset root; archives live in Root/MNIST/raw.
	Root     string
	Train    bool
	Download bool
	Mirror   string
	Client   *http.Client
	// Digests overrides the expected archive checksums.
	Digests map[string]string
}

// RawDir returns the directory holding the archives under root.
func RawDir(root string) string {
	return filepath.Join(root, "MNIST", "raw")
}

// LoadMNIST reads the training or test split, downloading missing archives
// when opts.Download is set.
func LoadMNIST(ctx context.Context, opts Options) (*Set, error) {
	imagesName, labelsName := testImages, testLabels
	if opts.Train {
		imagesName, labelsName = trainImages, trainLabels
	}
	dir := RawDir(opts.Root)

	for _, name := range []string{imagesName, labelsName} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "stat %s", path)
		}
		if !opts.Download {
			return nil, errors.Errorf("mnist: %s missing and download disabled", path)
		}
		if err := download(ctx, opts, name, path); err != nil {
			return nil, err
		}
	}

	images, err := readGzip(filepath.Join(dir, imagesName), parseImages)
	if err != nil {
		return nil, err
	}
	labels, err := readGzip(filepath.Join(dir, labelsName), parseLabels)
	if err != nil {
		return nil, err
	}
	set := &Set{Images: images, Labels: labels}
	if len(set.Images) != len(set.Labels) {
		return nil, errors.Errorf("mnist: %d images but %d labels", len(set.Images), len(set.Labels))
	}
	return set, nil
}

func download(ctx context.Context, opts Options, name, path string) error {
	mirror := opts.Mirror
	if mirror == "" {
		mirror = DefaultMirror
	}
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	digests := opts.Digests
	if digests == nil {
		digests = Digests
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create dataset directory")
	}
	url := mirror + name
	log.Printf("downloading url=%s", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrapf(err, "request %s", url)
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "download %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("download %s: status %d", url, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), name+".part-*")
	if err != nil {
		return errors.Wrap(err, "create download file")
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), resp.Body); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "download %s", url)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "write %s", tmp.Name())
	}
	if want, ok := digests[name]; ok {
		if got := hex.EncodeToString(h.Sum(nil)); got != want {
			return errors.Wrapf(ErrChecksum, "%s: got %s want %s", name, got, want)
		}
	}
	return errors.Wrapf(os.Rename(tmp.Name(), path), "install %s", path)
}

func readGzip[T any](path string, parse func(io.Reader) (T, error)) (T, error) {
	var zero T
	f, err := os.Open(path)
	if err != nil {
		return zero, errors.Wrap(err, "open archive")
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return zero, errors.Wrapf(err, "gunzip %s", path)
	}
	defer gz.Close()

	v, err := parse(gz)
	if err != nil {
		return zero, errors.Wrapf(err, "parse %s", path)
	}
	return v, nil
}

func parseImages(r io.Reader) ([][]float64, error) {
	var hdr struct{ Magic, Count, Rows, Cols uint32 }
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return nil, errors.Wrap(err, "read image header")
	}
	if hdr.Magic != imagesMagic {
		return nil, errors.Errorf("bad image magic %d", hdr.Magic)
	}
	if hdr.Rows != model.ImageRows || hdr.Cols != model.ImageCols {
		return nil, errors.Errorf("images are %dx%d, want %dx%d", hdr.Rows, hdr.Cols, model.ImageRows, model.ImageCols)
	}
	if hdr.Count > maxExamples {
		return nil, errors.Errorf("image count %d exceeds %d", hdr.Count, maxExamples)
	}
	raw := make([]byte, model.ImageSize)
	images := make([][]float64, hdr.Count)
	for i := range images {
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, errors.Wrapf(err, "read image %d", i)
		}
		img := make([]float64, model.ImageSize)
		for j, b := range raw {
			img[j] = float64(b) / 255
		}
		images[i] = img
	}
	return images, nil
}

func parseLabels(r io.Reader) ([]int, error) {
	var hdr struct{ Magic, Count uint32 }
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return nil, errors.Wrap(err, "read label header")
	}
	if hdr.Magic != labelsMagic {
		return nil, errors.Errorf("bad label magic %d", hdr.Magic)
	}
	if hdr.Count > maxExamples {
		return nil, errors.Errorf("label count %d exceeds %d", hdr.Count, maxExamples)
	}
	raw := make([]byte, hdr.Count)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, errors.Wrap(err, "read labels")
	}
	labels := make([]int, len(raw))
	for i, b := range raw {
		if int(b) >= model.NumClasses {
			return nil, errors.Errorf("label %d at %d out of range", b, i)
		}
		labels[i] = int(b)
	}
	return labels, nil
}
