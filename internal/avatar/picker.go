package avatar

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Picker chooses the next avatar file from a directory, never repeating the
// previous choice unless it is the only file.
type Picker struct {
	dir  string
	intn func(n int) int
	mu   sync.Mutex
	last string
}

// NewPicker picks from the regular files in dir.
func NewPicker(dir string) *Picker {
	return &Picker{dir: dir, intn: rand.Intn} // #nosec G404 -- avatar choice does not require cryptographic randomness
}

// Next returns the path of the next avatar.
func (p *Picker) Next() (string, error) {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		return "", fmt.Errorf("read avatar directory: %w", err)
	}
	var files []string
	for _, entry := range entries {
		path := filepath.Join(p.dir, entry.Name())
		// Stat follows symlinks, so linked images count as files.
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			files = append(files, path)
		}
	}
	sort.Strings(files)
	if len(files) == 0 {
		return "", fmt.Errorf("no avatar files in %s", p.dir)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	candidates := files
	if len(files) > 1 {
		candidates = candidates[:0:0]
		for _, f := range files {
			if f != p.last {
				candidates = append(candidates, f)
			}
		}
	}
	choice := candidates[p.intn(len(candidates))]
	p.last = choice
	return choice, nil
}

// Last returns the previous choice, or "" before the first.
func (p *Picker) Last() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}
