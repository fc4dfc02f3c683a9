package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"landmarkd/internal/common/fsutil"
	"landmarkd/internal/errs"
)

const fileExt = ".json.zst"

// File stores each record as zstd-compressed JSON under Dir.
type File struct {
	dir string
	enc *zstd.Encoder
	dec *zstd.Decoder
	// mu guards writes so a record file is never observed half-written by List.
	mu sync.Mutex
}

// NewFile creates dir if needed.
func NewFile(dir string) (*File, error) {
	dir, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		enc.Close()
		return nil, err
	}
	return &File{dir: dir, enc: enc, dec: dec}, nil
}

func (f *File) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return "", errs.InvalidRequest("invalid record id " + id)
	}
	return filepath.Join(f.dir, id+fileExt), nil
}

func (f *File) Persist(_ context.Context, r Record) (string, error) {
	if err := r.validate(); err != nil {
		return "", err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	p, err := f.path(r.ID)
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}
	data := f.enc.EncodeAll(raw, make([]byte, 0, len(raw)/2))

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := fsutil.WriteFileAtomic(p, data, 0o644); err != nil {
		return "", fmt.Errorf("write record %s: %w", r.ID, err)
	}
	return r.ID, nil
}

func (f *File) Get(_ context.Context, id string) (Record, error) {
	p, err := f.path(id)
	if err != nil {
		return Record{}, err
	}
	return f.read(p, id)
}

func (f *File) read(p, id string) (Record, error) {
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return Record{}, notFound(id)
	}
	if err != nil {
		return Record{}, err
	}
	raw, err := f.dec.DecodeAll(data, make([]byte, 0, len(data)*3))
	if err != nil {
		return Record{}, fmt.Errorf("decompress %s: %w", id, err)
	}
	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return Record{}, fmt.Errorf("decode %s: %w", id, err)
	}
	return r, nil
}

func (f *File) ListByVideo(_ context.Context, videoID string) ([]Record, error) {
	f.mu.Lock()
	entries, err := os.ReadDir(f.dir)
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		r, err := f.read(filepath.Join(f.dir, name), strings.TrimSuffix(name, fileExt))
		if err != nil {
			return nil, err
		}
		if r.VideoID == videoID {
			out = append(out, r)
		}
	}
	sortRecords(out)
	return out, nil
}

func (f *File) Close() error {
	f.dec.Close()
	return f.enc.Close()
}
