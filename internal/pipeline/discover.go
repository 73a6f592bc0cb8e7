package pipeline

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dshills/coderag/internal/chunker"
	"github.com/dshills/coderag/internal/extractor"
	"github.com/dshills/coderag/pkg/types"
)

// DefaultIgnorePatterns matches dependency directories, build outputs,
// generated files and binary or media files.
var DefaultIgnorePatterns = []string{
	// Dependencies and tool state
	"node_modules/**", "vendor/**", "venv/**", ".venv/**",
	"target/**", "build/**", "dist/**", "out/**",
	".git/**", ".hg/**", ".svn/**", "__pycache__/**", ".pytest_cache/**",
	".gradle/**", ".m2/**", ".npm/**", ".yarn/**", ".idea/**", ".vscode/**",

	// Generated files
	"*.min.js", "*.min.css", "*.map", "*.pb.go",
	"package-lock.json", "yarn.lock", "pnpm-lock.yaml",
	"go.sum", "poetry.lock", "Cargo.lock",

	// Binary and media
	"*.png", "*.jpg", "*.jpeg", "*.gif", "*.ico", "*.svg",
	"*.woff", "*.woff2", "*.ttf", "*.eot", "*.otf",
	"*.zip", "*.tar", "*.gz", "*.rar", "*.7z", "*.bz2", "*.xz",
	"*.jar", "*.war", "*.exe", "*.dll", "*.so", "*.dylib", "*.a",
	"*.class", "*.pyc", "*.pyo", "*.o", "*.obj", "*.pdf",
	"*.db", "*.sqlite", "*.sqlite3",
	"*.mp3", "*.mp4", "*.wav", "*.avi", "*.mov",
}

// IgnoreMatcher decides which repository paths are left out of ingestion.
// Patterns support "dir/**" for a directory at any depth, "**/pattern" for
// a pattern at any depth, "*.ext" for extensions and filepath.Match globs
// tried against the full path and the base name.
type IgnoreMatcher struct {
	patterns []string
}

// NewIgnoreMatcher combines extra patterns with the defaults when
// withDefaults is set
func NewIgnoreMatcher(extra []string, withDefaults bool) *IgnoreMatcher {
	var patterns []string
	if withDefaults {
		patterns = append(patterns, DefaultIgnorePatterns...)
	}
	for _, p := range extra {
		if p = strings.TrimSpace(p); p != "" {
			patterns = append(patterns, filepath.ToSlash(p))
		}
	}
	return &IgnoreMatcher{patterns: patterns}
}

// Match reports whether relPath, relative to the repository root, is ignored
func (m *IgnoreMatcher) Match(relPath string) bool {
	relPath = filepath.ToSlash(relPath)
	for _, pattern := range m.patterns {
		if matchPattern(pattern, relPath) {
			return true
		}
	}
	return false
}

func matchPattern(pattern, path string) bool {
	if rest, ok := strings.CutPrefix(pattern, "**/"); ok {
		parts := strings.Split(path, "/")
		for i := range parts {
			if matchPattern(rest, strings.Join(parts[i:], "/")) {
				return true
			}
		}
		return false
	}

	if dir, ok := strings.CutSuffix(pattern, "/**"); ok {
		if path == dir || strings.HasPrefix(path, dir+"/") {
			return true
		}
		// The directory may appear at any depth
		if !strings.Contains(dir, "/") {
			parts := strings.Split(path, "/")
			for _, part := range parts {
				if part == dir {
					return true
				}
			}
		}
		return false
	}

	return matchSimplePattern(pattern, path)
}

func matchSimplePattern(pattern, name string) bool {
	if pattern == name {
		return true
	}
	if ext, ok := strings.CutPrefix(pattern, "*"); ok && !strings.ContainsAny(ext, "*?[") {
		return strings.HasSuffix(strings.ToLower(filepath.Base(name)), strings.ToLower(ext))
	}
	if matched, _ := filepath.Match(pattern, name); matched {
		return true
	}
	matched, _ := filepath.Match(pattern, filepath.Base(name))
	return matched
}

// sourceFile is one discovered file
type sourceFile struct {
	Path    string // Relative to the root, slash separated
	Content []byte
	Hash    string
}

// discover walks root and returns the files to ingest in path order together
// with the number of files left out as ignored, oversize or binary
func discover(ctx context.Context, root string, ignore *IgnoreMatcher, maxSize int64) ([]sourceFile, int, error) {
	var files []sourceFile
	ignored := 0

	err := filepath.WalkDir(root, func(abs string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(root, abs)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if rel != "." && ignore.Match(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if ignore.Match(rel) {
			ignored++
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if maxSize > 0 && info.Size() > maxSize {
			ignored++
			return nil
		}

		content, err := os.ReadFile(abs)
		if err != nil {
			return err
		}
		if chunker.IsBinary(content) {
			ignored++
			return nil
		}

		files = append(files, sourceFile{
			Path:    rel,
			Content: content,
			Hash:    extractor.ContentHash(content),
		})
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, ignored, nil
}

// plan is the classification of discovered files against the stored index
type plan struct {
	changed   []int           // Indexes into the discovered files
	replace   map[string]bool // Changed files whose previous content is stored
	unchanged int
	deleted   []string
}

// classify compares discovered files with the stored File entities. A file is
// unchanged only when its content hash matches and it was fully indexed with
// the current embedding model.
func classify(files []sourceFile, stored []types.Entity, model string) plan {
	byPath := make(map[string]types.Entity, len(stored))
	for _, e := range stored {
		byPath[e.FilePath] = e
	}

	p := plan{replace: make(map[string]bool)}
	seen := make(map[string]bool, len(files))
	for i, f := range files {
		seen[f.Path] = true
		prev, ok := byPath[f.Path]
		switch {
		case !ok:
			p.changed = append(p.changed, i)
		case prev.Metadata.ContentHash != f.Hash:
			p.changed = append(p.changed, i)
			p.replace[f.Path] = true
		case !prev.Metadata.Indexed || prev.Metadata.EmbeddingModel != model:
			p.changed = append(p.changed, i)
		default:
			p.unchanged++
		}
	}

	for _, e := range stored {
		if !seen[e.FilePath] {
			p.deleted = append(p.deleted, e.FilePath)
		}
	}
	sort.Strings(p.deleted)
	return p
}
