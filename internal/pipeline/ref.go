package pipeline

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Ref names one revision of a repository: a root directory and a revision
// number stamped on every chunk and File entity written by the run.
type Ref struct {
	Path     string
	Revision int64
}

// ParseRef parses "path" or "path@revision". Without a revision the current
// Unix time is used, so later runs supersede earlier ones.
func ParseRef(s string) (Ref, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Ref{}, fmt.Errorf("empty repository reference")
	}

	path, rev := s, ""
	if i := strings.LastIndex(s, "@"); i > 0 {
		path, rev = s[:i], s[i+1:]
	}

	ref := Ref{Path: path, Revision: time.Now().Unix()}
	if rev != "" {
		n, err := strconv.ParseInt(rev, 10, 64)
		if err != nil || n < 0 {
			return Ref{}, fmt.Errorf("invalid revision %q: must be a non-negative integer", rev)
		}
		ref.Revision = n
	}

	abs, err := filepath.Abs(ref.Path)
	if err != nil {
		return Ref{}, fmt.Errorf("resolve %s: %w", ref.Path, err)
	}
	ref.Path = abs
	return ref, nil
}

func (r Ref) String() string {
	return r.Path + "@" + strconv.FormatInt(r.Revision, 10)
}
