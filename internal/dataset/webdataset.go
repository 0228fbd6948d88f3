package dataset

import (
	"archive/tar"
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Record is a paired image/label entry of a WebDataset shard. Image holds the
// encoded PNG or JPEG bytes.
type Record struct {
	Key   string
	Image []byte
	Label int
}

// ErrPendingOverflow indicates the pairing map exceeded the configured bound.
var ErrPendingOverflow = errors.New("webdataset: pending pair buffer exceeded")

const defaultPendingCap = 1024

// StreamShard streams the records of the tar shard at path. Entries sharing a
// key are paired regardless of their order; at most pendingCap keys may wait
// for their partner.
func StreamShard(ctx context.Context, path string, pendingCap int) (<-chan Record, <-chan error) {
	if pendingCap <= 0 {
		pendingCap = defaultPendingCap
	}
	out := make(chan Record)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)
		if err := streamShard(ctx, path, newPairer(pendingCap), out); err != nil {
			errCh <- err
		}
	}()
	return out, errCh
}

func streamShard(ctx context.Context, path string, p *pairer, out chan<- Record) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open shard")
	}
	defer f.Close()

	tr := tar.NewReader(bufio.NewReader(f))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return p.finish()
		}
		if err != nil {
			return errors.Wrap(err, "read tar")
		}
		if hdr.FileInfo().IsDir() {
			continue
		}
		rec, ok, err := p.add(filepath.Base(hdr.Name), tr)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- rec:
		}
	}
}

// pairer joins image and label entries by key.
type pairer struct {
	cap     int
	pending map[string]*Record
	labeled map[string]bool
}

func newPairer(pendingCap int) *pairer {
	return &pairer{
		cap:     pendingCap,
		pending: make(map[string]*Record),
		labeled: make(map[string]bool),
	}
}

// add consumes one entry and returns the record it completes, if any. Entries
// with other extensions are skipped.
func (p *pairer) add(name string, r io.Reader) (Record, bool, error) {
	ext := filepath.Ext(name)
	key := strings.TrimSuffix(name, ext)

	var isImage bool
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg", ".png":
		isImage = true
	case ".cls":
	default:
		return Record{}, false, nil
	}

	payload, err := io.ReadAll(r)
	if err != nil {
		return Record{}, false, errors.Wrapf(err, "read %s", name)
	}
	rec := p.pending[key]
	if rec == nil {
		rec = &Record{Key: key}
		p.pending[key] = rec
	}
	if isImage {
		rec.Image = payload
	} else {
		if rec.Label, err = strconv.Atoi(strings.TrimSpace(string(payload))); err != nil {
			return Record{}, false, errors.Wrapf(err, "parse label %s", name)
		}
		p.labeled[key] = true
	}

	if len(p.pending) > p.cap {
		return Record{}, false, ErrPendingOverflow
	}
	if len(rec.Image) == 0 || !p.labeled[key] {
		return Record{}, false, nil
	}
	delete(p.pending, key)
	delete(p.labeled, key)
	return *rec, true, nil
}

func (p *pairer) finish() error {
	if len(p.pending) > 0 {
		return errors.Errorf("%d records incomplete", len(p.pending))
	}
	return nil
}
