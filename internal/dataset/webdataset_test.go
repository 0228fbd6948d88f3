package dataset

import (
	"archive/tar"
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"testing"

	"github.com/pkg/errors"
)

func TestStreamShardPairsEntries(t *testing.T) {
	shard := writeShard(t, t.TempDir(), "shard-000000.tar", map[string]filePair{
		"000001": {imageExt: ".jpg", image: []byte("jpeg"), label: 3},
		"000002": {imageExt: ".png", image: []byte("png"), label: 7},
	})

	records, errCh := StreamShard(context.Background(), shard, 4)
	var got []Record
	for rec := range records {
		got = append(got, rec)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("StreamShard returned error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	sort.Slice(got, func(i, j int) bool { return got[i].Key < got[j].Key })
	if got[0].Label != 3 || got[1].Label != 7 || string(got[1].Image) != "png" {
		t.Fatalf("unexpected records %+v", got)
	}
}

func TestStreamShardPendingOverflow(t *testing.T) {
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	for i := 0; i < 3; i++ {
		addTarEntry(tw, strconv.Itoa(i)+".png", []byte("img"))
	}
	tw.Close()
	path := filepath.Join(t.TempDir(), "shard-000000.tar")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write shard: %v", err)
	}

	records, errCh := StreamShard(context.Background(), path, 2)
	for range records {
	}
	if err := <-errCh; !errors.Is(err, ErrPendingOverflow) {
		t.Fatalf("expected ErrPendingOverflow, got %v", err)
	}
}

func TestLoadShardsDecodesDigits(t *testing.T) {
	root := t.TempDir()
	writeShard(t, root, "shard-000000.tar", map[string]filePair{
		"a": {imageExt: ".png", image: grayPNG(t, 28, 255), label: 4},
	})
	writeShard(t, filepath.Join(root, "more"), "shard-000001.tar", map[string]filePair{
		"b": {imageExt: ".png", image: grayPNG(t, 56, 0), label: 9},
	})

	set, err := LoadShards(context.Background(), root)
	if err != nil {
		t.Fatalf("LoadShards: %v", err)
	}
	if set.Len() != 2 {
		t.Fatalf("expected 2 examples, got %d", set.Len())
	}
	// Lexical shard order: "more/shard-000001.tar" sorts before "shard-000000.tar".
	if set.Labels[0] != 9 || set.Labels[1] != 4 {
		t.Fatalf("unexpected labels %v", set.Labels)
	}
	for j, v := range set.Images[1] {
		if v != 1 {
			t.Fatalf("pixel %d of white digit = %v", j, v)
		}
	}
	for j, v := range set.Images[0] {
		if v != 0 {
			t.Fatalf("pixel %d of black digit = %v", j, v)
		}
	}
}

func TestLoadShardsRejectsBadLabel(t *testing.T) {
	root := t.TempDir()
	writeShard(t, root, "shard-000000.tar", map[string]filePair{
		"a": {imageExt: ".png", image: grayPNG(t, 28, 10), label: 12},
	})
	if _, err := LoadShards(context.Background(), root); err == nil {
		t.Fatal("expected label range error")
	}
}

func TestDecodeDigitRejectsGarbage(t *testing.T) {
	if _, err := DecodeDigit([]byte("not an image")); err == nil {
		t.Fatal("expected decode error")
	}
}

func grayPNG(t *testing.T, size int, level uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.SetGray(x, y, color.Gray{Y: level})
		}
	}
	buf := &bytes.Buffer{}
	if err := png.Encode(buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func writeShard(t *testing.T, dir, name string, data map[string]filePair) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	for key, pair := range data {
		addTarEntry(tw, key+pair.imageExt, pair.image)
		addTarEntry(tw, key+".cls", []byte(strconv.Itoa(pair.label)))
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write shard: %v", err)
	}
	return path
}

type filePair struct {
	imageExt string
	image    []byte
	label    int
}

func addTarEntry(tw *tar.Writer, name string, data []byte) {
	hdr := &tar.Header{Name: name, Size: int64(len(data)), Mode: 0o644}
	if err := tw.WriteHeader(hdr); err != nil {
		panic(err)
	}
	if _, err := tw.Write(data); err != nil {
		panic(err)
	}
}
