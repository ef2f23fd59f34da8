// Package workspace manages the agent's scratch directory. Tools drop
// files into output/; after each tool round the engine collects them,
// surfaces their contents to the model, and moves them to processed/.
package workspace

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// maxFileBytes caps how much of a single output file is surfaced to
// the model. Larger files are truncated, not skipped.
const maxFileBytes = 64 * 1024

// Workspace is a scratch directory rooted at Root.
type Workspace struct {
	Root string
}

// File is a collected output file.
type File struct {
	Name      string
	Content   string
	Truncated bool
}

// New creates a workspace handle. Call Ensure before use.
func New(root string) *Workspace {
	return &Workspace{Root: root}
}

// Ensure creates the workspace directory tree.
func (w *Workspace) Ensure() error {
	for _, dir := range []string{w.Root, w.OutputDir(), w.ProcessedDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// OutputDir is where tools write files for the agent to pick up.
func (w *Workspace) OutputDir() string {
	return filepath.Join(w.Root, "output")
}

// ProcessedDir is where collected files are archived.
func (w *Workspace) ProcessedDir() string {
	return filepath.Join(w.Root, "processed")
}

// CollectOutputs reads every file in output/, then moves it to
// processed/ under a timestamped name so repeated tool runs never
// collide. Files are returned in name order.
func (w *Workspace) CollectOutputs() ([]File, error) {
	entries, err := os.ReadDir(w.OutputDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read output dir: %w", err)
	}

	stamp := time.Now().Format("20060102-150405.000")
	var files []File
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		src := filepath.Join(w.OutputDir(), entry.Name())
		content, truncated, err := readCapped(src)
		if err != nil {
			return files, fmt.Errorf("read %s: %w", entry.Name(), err)
		}

		dst := filepath.Join(w.ProcessedDir(), stamp+"-"+entry.Name())
		if err := os.Rename(src, dst); err != nil {
			return files, fmt.Errorf("archive %s: %w", entry.Name(), err)
		}

		files = append(files, File{Name: entry.Name(), Content: content, Truncated: truncated})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// Reset deletes everything under output/ and processed/ and recreates
// the empty tree.
func (w *Workspace) Reset() error {
	for _, dir := range []string{w.OutputDir(), w.ProcessedDir()} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("remove %s: %w", dir, err)
		}
	}
	return w.Ensure()
}

func readCapped(path string) (string, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", false, err
	}
	defer f.Close()

	buf, err := io.ReadAll(io.LimitReader(f, maxFileBytes+1))
	if err != nil {
		return "", false, err
	}
	if len(buf) > maxFileBytes {
		return string(buf[:maxFileBytes]), true, nil
	}
	return string(buf), false, nil
}
