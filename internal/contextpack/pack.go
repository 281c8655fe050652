// Package contextpack builds bounded context slices for workers. A slice
// is assembled from files under a master-context directory, selected by
// glob patterns and truncated to a byte budget, so a worker only ever
// sees the part of the master context its task was given.
package contextpack

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Slice is a bounded, self-contained chunk of master context.
type Slice struct {
	Ref       string   // the pattern spec the slice was built from
	Files     []string // relative paths included, in order
	Content   string   // concatenated file contents, possibly truncated
	Truncated bool
}

// Packer resolves context refs against a base directory.
type Packer struct {
	baseDir string
	budget  int
}

// NewPacker creates a packer over baseDir with a byte budget per slice.
func NewPacker(baseDir string, budget int) *Packer {
	return &Packer{baseDir: baseDir, budget: budget}
}

// Pack builds a slice from a context ref: a semicolon-separated list of
// glob patterns relative to the base directory. An empty ref yields an
// empty slice, not an error.
func (p *Packer) Pack(ref string) (*Slice, error) {
	slice := &Slice{Ref: ref}
	if ref == "" {
		return slice, nil
	}

	files, err := p.resolve(ref)
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	for _, rel := range files {
		data, err := os.ReadFile(filepath.Join(p.baseDir, rel))
		if err != nil {
			return nil, fmt.Errorf("read context file %s: %w", rel, err)
		}

		header := fmt.Sprintf("--- %s ---\n", rel)
		if p.budget > 0 && sb.Len()+len(header)+len(data)+1 > p.budget {
			remaining := p.budget - sb.Len() - len(header) - 1
			if remaining > 0 {
				sb.WriteString(header)
				sb.Write(data[:remaining])
				sb.WriteString("\n")
				slice.Files = append(slice.Files, rel)
			}
			slice.Truncated = true
			break
		}

		sb.WriteString(header)
		sb.Write(data)
		sb.WriteString("\n")
		slice.Files = append(slice.Files, rel)
	}

	slice.Content = sb.String()
	return slice, nil
}

// resolve expands the ref's patterns to a sorted, de-duplicated file list.
func (p *Packer) resolve(ref string) ([]string, error) {
	fsys := os.DirFS(p.baseDir)
	seen := make(map[string]bool)
	var files []string

	for _, pattern := range strings.Split(ref, ";") {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}

		err := doublestar.GlobWalk(fsys, pattern, func(path string, d fs.DirEntry) error {
			if !d.IsDir() && !seen[path] {
				seen[path] = true
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", pattern, err)
		}
	}

	sort.Strings(files)
	return files, nil
}
