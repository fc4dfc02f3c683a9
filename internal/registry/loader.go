// Package registry holds the static model catalog and attaches model assets
// found on disk to it.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"landmarkd/internal/common/fsutil"
	"landmarkd/pkg/types"
)

// assetExts are the model bundle extensions recognized by LoadDir.
var assetExts = []string{".task", ".tflite", ".onnx"}

// LoadDir scans dir for model assets and returns base with AssetPath set for each
// type whose file name starts with the type name (e.g. "pose_landmarker_full.task").
// When an asset is found, the memory estimate becomes the larger of the catalog
// figure and the file size. A missing dir is not an error.
func LoadDir(base Catalog, dir string) (Catalog, error) {
	if dir == "" {
		return base, nil
	}
	abs, err := fsutil.ExpandHome(dir)
	if err != nil {
		return base, err
	}
	abs, err = filepath.Abs(abs)
	if err != nil {
		return base, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return base, nil
		}
		return base, fmt.Errorf("read dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !hasAssetExt(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	// first match in lexical order wins, so results do not depend on ReadDir order
	sort.Strings(names)
	out := base
	matched := make(map[types.ModelType]bool)
	for _, name := range names {
		lower := strings.ToLower(name)
		for _, t := range types.AllModelTypes() {
			if matched[t] || !strings.HasPrefix(lower, string(t)) {
				continue
			}
			m, ok := out.Lookup(t)
			if !ok {
				continue
			}
			p := filepath.Join(abs, name)
			m.AssetPath = p
			if mb := estimateMB(p); mb > m.MemoryMB {
				m.MemoryMB = mb
			}
			out = out.With(m)
			matched[t] = true
		}
	}
	return out, nil
}

func hasAssetExt(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range assetExts {
		if ext == e {
			return true
		}
	}
	return false
}

// estimateMB estimates resident memory from the asset size. Returns 1 on error
// so an unknown size never bypasses budget checks.
func estimateMB(path string) int {
	fi, err := os.Stat(path)
	if err != nil {
		return 1
	}
	mb := int(fi.Size() / (1024 * 1024))
	if mb <= 0 {
		mb = 1
	}
	return mb
}
