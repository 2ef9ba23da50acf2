package artifacts

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// scratchDir is the staging area under the workspace root. Files live here
// between Begin and Commit; Abort or startup cleanup removes them.
const scratchDir = ".scratch"

// Handle identifies one stage's in-flight artifact transaction.
type Handle struct {
	id      string
	stage   string
	prefix  string
	scratch string

	mu        sync.Mutex
	files     map[string]bool // relative paths written this attempt
	committed bool
	paths     []string // workspace-relative committed paths
	aborted   bool
}

// Stage returns the stage name the handle was opened for.
func (h *Handle) Stage() string { return h.stage }

// Writer stages and commits artifact files under a workspace root.
type Writer struct {
	root string
}

// NewWriter creates a writer rooted at dir, creating it if needed.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root %s: %w", dir, err)
	}
	return &Writer{root: dir}, nil
}

// Root returns the workspace root directory.
func (w *Writer) Root() string { return w.root }

// CleanScratch removes leftover scratch areas from prior runs. Called once
// at startup; uncommitted writes of a crashed attempt vanish here, which is
// what makes stages the atomicity unit.
func (w *Writer) CleanScratch() error {
	dir := filepath.Join(w.root, scratchDir)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to clean scratch area: %w", err)
	}
	return nil
}

// Begin opens an artifact transaction for one stage attempt. All files are
// staged under a fresh scratch directory and only reach prefix on Commit.
func (w *Writer) Begin(stage, prefix string) (*Handle, error) {
	if strings.Contains(prefix, "..") {
		return nil, fmt.Errorf("invalid artifact prefix %q", prefix)
	}
	id := uuid.New().String()
	scratch := filepath.Join(w.root, scratchDir, id)
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	return &Handle{
		id:      id,
		stage:   stage,
		prefix:  prefix,
		scratch: scratch,
		files:   make(map[string]bool),
	}, nil
}

// Put stages one file at a path relative to the handle's prefix.
// Duplicate paths within a single transaction fail immediately.
func (w *Writer) Put(h *Handle, relPath string, content []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.committed || h.aborted {
		return fmt.Errorf("artifact handle for stage %s is closed", h.stage)
	}
	cleaned := filepath.Clean(relPath)
	if cleaned == "." || strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return fmt.Errorf("invalid artifact path %q", relPath)
	}
	if h.files[cleaned] {
		return fmt.Errorf("duplicate artifact path %q in stage %s", cleaned, h.stage)
	}

	dst := filepath.Join(h.scratch, cleaned)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create artifact dir: %w", err)
	}
	if err := os.WriteFile(dst, content, 0o644); err != nil {
		return fmt.Errorf("failed to stage artifact %s: %w", cleaned, err)
	}
	h.files[cleaned] = true
	return nil
}

// Commit atomically moves the staged set into place and returns the
// workspace-relative paths. Repeated commits of the same handle are no-ops
// returning the same path set.
func (w *Writer) Commit(h *Handle) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.aborted {
		return nil, fmt.Errorf("artifact handle for stage %s was aborted", h.stage)
	}
	if h.committed {
		return append([]string(nil), h.paths...), nil
	}

	rels := make([]string, 0, len(h.files))
	for rel := range h.files {
		rels = append(rels, rel)
	}
	sort.Strings(rels)

	moved := make([]string, 0, len(rels))
	for _, rel := range rels {
		src := filepath.Join(h.scratch, rel)
		dstRel := filepath.Join(h.prefix, rel)
		dst := filepath.Join(w.root, dstRel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", filepath.Dir(dstRel), err)
		}
		if err := moveFile(src, dst); err != nil {
			// Undo partial placement so a failed commit leaves no trace.
			for _, placed := range moved {
				_ = os.Remove(filepath.Join(w.root, placed))
			}
			return nil, fmt.Errorf("failed to commit artifact %s: %w", dstRel, err)
		}
		moved = append(moved, dstRel)
	}

	_ = os.RemoveAll(h.scratch)
	h.committed = true
	h.paths = moved
	return append([]string(nil), moved...), nil
}

// Abort discards the staged set. Safe to call after Commit (no-op).
func (w *Writer) Abort(h *Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.committed {
		return nil
	}
	h.aborted = true
	if err := os.RemoveAll(h.scratch); err != nil {
		return fmt.Errorf("failed to abort artifact handle: %w", err)
	}
	return nil
}

// RemovePaths unlinks previously committed workspace-relative paths.
// Used by restart to clear a stage's prior artifacts, and by the executor
// to roll back a commit whose state-store record could not be written.
// Missing files are ignored.
func (w *Writer) RemovePaths(paths []string) error {
	var firstErr error
	for _, rel := range paths {
		cleaned := filepath.Clean(rel)
		if strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
			continue
		}
		if err := os.Remove(filepath.Join(w.root, cleaned)); err != nil && !os.IsNotExist(err) {
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to remove artifact %s: %w", cleaned, err)
			}
		}
	}
	return firstErr
}

// RemoveProject removes every path prefix owned by a project. Used by the
// delete cascade.
func (w *Writer) RemoveProject(projectName string) error {
	if projectName == "" {
		return nil
	}
	for _, dir := range []string{
		ProjectDir(projectName),
		GeneratedAgentsDir(projectName),
		PromptsDir(projectName),
		ToolsDir(projectName),
	} {
		if err := os.RemoveAll(filepath.Join(w.root, dir)); err != nil {
			return fmt.Errorf("failed to remove %s: %w", dir, err)
		}
	}
	return nil
}

// Exists reports whether a workspace-relative path exists on disk.
func (w *Writer) Exists(rel string) bool {
	_, err := os.Stat(filepath.Join(w.root, filepath.Clean(rel)))
	return err == nil
}

// Glob matches workspace-relative paths against a pattern.
func (w *Writer) Glob(pattern string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(w.root, pattern))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		rel, err := filepath.Rel(w.root, m)
		if err != nil {
			continue
		}
		out = append(out, rel)
	}
	return out, nil
}

// WriteDirect writes a file bypassing the transaction protocol. Reserved
// for best-effort mirrors (status.yaml) that are explicitly not artifacts.
func (w *Writer) WriteDirect(rel string, content []byte) error {
	cleaned := filepath.Clean(rel)
	if strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return fmt.Errorf("invalid path %q", rel)
	}
	dst := filepath.Join(w.root, cleaned)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dst, content, 0o644)
}

// moveFile renames src to dst, falling back to copy+remove across devices.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
