package dataset

import (
	"bytes"
	"context"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/pkg/errors"

	"robustmnist/internal/model"
)

var shardRegexp = regexp.MustCompile(`^shard-[0-9]{6,}\.tar$`)

// DiscoverShards returns the shard TAR files beneath root in lexical order.
func DiscoverShards(root string) ([]string, error) {
	entries := make([]string, 0)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && shardRegexp.MatchString(d.Name()) {
			entries = append(entries, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "discover shards")
	}
	sort.Strings(entries)
	return entries, nil
}

// LoadShards decodes every record of the shards under root into a Set. Images
// of any size are resampled to 28x28 grayscale; labels must be digits.
func LoadShards(ctx context.Context, root string) (*Set, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shards, err := DiscoverShards(root)
	if err != nil {
		return nil, err
	}
	if len(shards) == 0 {
		return nil, errors.Errorf("no shards discovered under %s", root)
	}

	set := &Set{}
	for _, shard := range shards {
		records, errCh := StreamShard(ctx, shard, 0)
		for rec := range records {
			if rec.Label < 0 || rec.Label >= model.NumClasses {
				return nil, errors.Errorf("%s: record %s has label %d", shard, rec.Key, rec.Label)
			}
			pixels, err := DecodeDigit(rec.Image)
			if err != nil {
				return nil, errors.Wrapf(err, "%s: record %s", shard, rec.Key)
			}
			set.Images = append(set.Images, pixels)
			set.Labels = append(set.Labels, rec.Label)
		}
		if err := <-errCh; err != nil {
			return nil, errors.Wrapf(err, "stream %s", shard)
		}
	}
	return set, nil
}

// DecodeDigit decodes a PNG or JPEG and samples it on a 28x28 grid of
// intensities in [0,1].
func DecodeDigit(raw []byte) ([]float64, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if width == 0 || height == 0 {
		return nil, errors.New("empty image")
	}
	pixels := make([]float64, model.ImageSize)
	for gy := 0; gy < model.ImageRows; gy++ {
		for gx := 0; gx < model.ImageCols; gx++ {
			px := bounds.Min.X + gx*width/model.ImageCols
			py := bounds.Min.Y + gy*height/model.ImageRows
			r, g, b, _ := img.At(px, py).RGBA()
			pixels[gy*model.ImageCols+gx] = (float64(r) + float64(g) + float64(b)) / (3 * 65535.0)
		}
	}
	return pixels, nil
}
