package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"ensembled/internal/common/fsutil"
	"ensembled/pkg/types"
)

// Extensions recognized as model files.
var Extensions = []string{".gguf", ".onnx"}

// Scanner finds model files with the given extensions in a directory.
type Scanner struct {
	exts []string
}

// NewScanner matches extensions case-insensitively; none means Extensions.
func NewScanner(exts ...string) *Scanner {
	if len(exts) == 0 {
		exts = Extensions
	}
	out := make([]string, len(exts))
	for i, e := range exts {
		out[i] = strings.ToLower(e)
	}
	return &Scanner{exts: out}
}

func (s *Scanner) matches(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range s.exts {
		if ext == e {
			return true
		}
	}
	return false
}

// Scan lists matching files in dir, sorted by filename. Name is the
// filename without its extension; Path is absolute.
func (s *Scanner) Scan(dir string) ([]types.Model, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var models []types.Model
	for _, e := range entries {
		if e.IsDir() || !s.matches(e.Name()) {
			continue
		}
		name := e.Name()
		models = append(models, types.Model{
			Name: strings.TrimSuffix(name, filepath.Ext(name)),
			Path: filepath.Join(abs, name),
		})
	}
	sort.Slice(models, func(i, j int) bool { return models[i].Path < models[j].Path })
	return models, nil
}

// LoadDir scans dir for *.gguf and *.onnx files.
func LoadDir(dir string) ([]types.Model, error) {
	return NewScanner().Scan(dir)
}

// Resolve maps each roster entry to a model file. Entries with a Path keep
// it (with '~' expanded); the rest are looked up in found by name. When
// ext is set, files with that extension win over other matches.
func Resolve(found []types.Model, roster []types.Model, ext string) (map[string]string, error) {
	byName := make(map[string][]types.Model, len(found))
	for _, m := range found {
		byName[m.Name] = append(byName[m.Name], m)
	}
	out := make(map[string]string, len(roster))
	var missing []string
	for _, r := range roster {
		if r.Path != "" {
			p, err := fsutil.ExpandHome(r.Path)
			if err != nil {
				return nil, err
			}
			out[r.Name] = p
			continue
		}
		cands := byName[r.Name]
		if len(cands) == 0 {
			missing = append(missing, r.Name)
			continue
		}
		out[r.Name] = pick(cands, ext)
	}
	if len(missing) > 0 {
		return out, fmt.Errorf("no model file for %s", strings.Join(missing, ", "))
	}
	return out, nil
}

func pick(cands []types.Model, ext string) string {
	if ext != "" {
		for _, c := range cands {
			if strings.EqualFold(filepath.Ext(c.Path), ext) {
				return c.Path
			}
		}
	}
	return cands[0].Path
}
