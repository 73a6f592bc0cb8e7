package chunker

import (
	"bytes"
	"iter"
	"slices"
	"sort"
	"strings"

	"github.com/dshills/coderag/pkg/types"
)

const (
	// DefaultMinTokens is the floor below which segments merge with a sibling
	DefaultMinTokens = 64

	// DefaultMaxTokens is the ceiling above which segments split into windows
	DefaultMaxTokens = 512

	// DefaultOverlap is the fraction of lines shared by consecutive windows
	DefaultOverlap = 0.15

	// DefaultWindowLines bounds line windows of files without structure
	DefaultWindowLines = 60

	// binarySniffLen is how much of a file is checked for NUL bytes
	binarySniffLen = 8000
)

// Span is the line range of one extracted entity
type Span struct {
	EntityID  string
	StartLine int
	EndLine   int
}

// Options controls chunk sizing
type Options struct {
	MinTokens   int
	MaxTokens   int
	Overlap     float64
	WindowLines int
	Counter     TokenCounter
}

// DefaultOptions returns the default chunk sizing
func DefaultOptions() Options {
	return Options{
		MinTokens:   DefaultMinTokens,
		MaxTokens:   DefaultMaxTokens,
		Overlap:     DefaultOverlap,
		WindowLines: DefaultWindowLines,
		Counter:     HeuristicCounter{},
	}
}

// Chunker splits file text into chunks along structural boundaries
type Chunker struct {
	opts Options
}

// New creates a Chunker. Out of range options are clamped; a zero Overlap
// disables overlap.
func New(opts Options) *Chunker {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	if opts.MinTokens < 0 {
		opts.MinTokens = 0
	}
	if opts.MinTokens > opts.MaxTokens {
		opts.MinTokens = opts.MaxTokens
	}
	if opts.Overlap < 0 || opts.Overlap >= 1 {
		opts.Overlap = DefaultOverlap
	}
	if opts.WindowLines <= 0 {
		opts.WindowLines = DefaultWindowLines
	}
	if opts.Counter == nil {
		opts.Counter = HeuristicCounter{}
	}
	return &Chunker{opts: opts}
}

// Options returns the effective options
func (c *Chunker) Options() Options {
	return c.opts
}

// Chunk lazily yields the chunks of a file. The sequence is a pure function
// of its input and can be ranged over any number of times. Every line of a
// non-empty text file is covered by at least one chunk; empty and binary
// input yields nothing. Revision is left for the caller to stamp.
func (c *Chunker) Chunk(filePath, text string, spans []Span) iter.Seq[types.Chunk] {
	return func(yield func(types.Chunk) bool) {
		if text == "" || isBinaryText(text) {
			return
		}

		li := newLineIndex(text)
		clamped := clampSpans(spans, li.count())

		var segs []segment
		windowLines := 0
		if len(clamped) == 0 {
			segs = []segment{{start: 1, end: li.count()}}
			windowLines = c.opts.WindowLines
		} else {
			segs = c.merge(li, segmentsFor(topLevel(clamped), li.count()))
		}

		for _, seg := range segs {
			for start, end := range c.pieces(li, seg, windowLines) {
				if !yield(c.build(filePath, li, start, end, seg.owner, clamped)) {
					return
				}
			}
		}
	}
}

// ChunkAll collects Chunk into a slice
func (c *Chunker) ChunkAll(filePath, text string, spans []Span) []types.Chunk {
	return slices.Collect(c.Chunk(filePath, text, spans))
}

// IsBinary reports whether data looks like a binary file
func IsBinary(data []byte) bool {
	if len(data) > binarySniffLen {
		data = data[:binarySniffLen]
	}
	return bytes.IndexByte(data, 0) >= 0
}

func isBinaryText(text string) bool {
	if len(text) > binarySniffLen {
		text = text[:binarySniffLen]
	}
	return strings.IndexByte(text, 0) >= 0
}

// segment is a contiguous line range that becomes one chunk or is split
// into windows
type segment struct {
	start, end int
	owner      string
	ownerLines int
}

func (s *segment) absorb(next segment) {
	s.end = next.end
	if next.owner != "" && next.ownerLines > s.ownerLines {
		s.owner = next.owner
		s.ownerLines = next.ownerLines
	}
}

// clampSpans drops spans outside the file and orders them by position
func clampSpans(spans []Span, lineCount int) []Span {
	out := make([]Span, 0, len(spans))
	for _, s := range spans {
		if s.StartLine < 1 {
			s.StartLine = 1
		}
		if s.EndLine > lineCount {
			s.EndLine = lineCount
		}
		if s.StartLine > s.EndLine {
			continue
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StartLine != out[j].StartLine {
			return out[i].StartLine < out[j].StartLine
		}
		if out[i].EndLine != out[j].EndLine {
			return out[i].EndLine > out[j].EndLine
		}
		return out[i].EntityID < out[j].EntityID
	})
	return out
}

// topLevel keeps spans not nested in an earlier span. Partially overlapping
// spans are trimmed to start after their predecessor.
func topLevel(sorted []Span) []Span {
	var out []Span
	last := 0
	for _, s := range sorted {
		if s.EndLine <= last {
			continue
		}
		if s.StartLine <= last {
			s.StartLine = last + 1
		}
		out = append(out, s)
		last = s.EndLine
	}
	return out
}

// segmentsFor turns top-level spans into segments covering every line
func segmentsFor(top []Span, lineCount int) []segment {
	var segs []segment
	cursor := 1
	for _, s := range top {
		if s.StartLine > cursor {
			segs = append(segs, segment{start: cursor, end: s.StartLine - 1})
		}
		segs = append(segs, segment{
			start:      s.StartLine,
			end:        s.EndLine,
			owner:      s.EntityID,
			ownerLines: s.EndLine - s.StartLine + 1,
		})
		cursor = s.EndLine + 1
	}
	if cursor <= lineCount {
		segs = append(segs, segment{start: cursor, end: lineCount})
	}
	return segs
}

// merge folds segments under the floor into their predecessor while the
// result stays within the ceiling
func (c *Chunker) merge(li lineIndex, segs []segment) []segment {
	out := make([]segment, 0, len(segs))
	for _, s := range segs {
		if n := len(out); n > 0 {
			prev := &out[n-1]
			small := c.tokens(li, prev.start, prev.end) < c.opts.MinTokens ||
				c.tokens(li, s.start, s.end) < c.opts.MinTokens
			if small && c.tokens(li, prev.start, s.end) <= c.opts.MaxTokens {
				prev.absorb(s)
				continue
			}
		}
		out = append(out, s)
	}
	return out
}

// pieces yields the line ranges a segment is emitted as. A segment within
// the ceiling is emitted whole unless maxLines bounds it; larger segments
// become overlapping windows. A single line longer than the ceiling stays
// one chunk.
func (c *Chunker) pieces(li lineIndex, seg segment, maxLines int) iter.Seq2[int, int] {
	return func(yield func(int, int) bool) {
		if maxLines <= 0 && c.tokens(li, seg.start, seg.end) <= c.opts.MaxTokens {
			yield(seg.start, seg.end)
			return
		}

		start := seg.start
		for {
			end := start
			for end < seg.end &&
				(maxLines <= 0 || end-start+1 < maxLines) &&
				c.tokens(li, start, end+1) <= c.opts.MaxTokens {
				end++
			}
			if !yield(start, end) || end >= seg.end {
				return
			}

			overlap := int(float64(end-start+1) * c.opts.Overlap)
			next := end + 1 - overlap
			if next <= start {
				next = start + 1
			}
			start = next
		}
	}
}

func (c *Chunker) build(filePath string, li lineIndex, start, end int, owner string, spans []Span) types.Chunk {
	startByte := li.startByte(start)
	endByte := li.endByte(end)
	text := li.text[startByte:endByte]

	var entities []string
	seen := make(map[string]bool)
	window := types.Span{StartLine: start, EndLine: end}
	for _, s := range spans {
		if s.EntityID == "" || seen[s.EntityID] {
			continue
		}
		if window.Overlaps(types.Span{StartLine: s.StartLine, EndLine: s.EndLine}) {
			seen[s.EntityID] = true
			entities = append(entities, s.EntityID)
		}
	}

	return types.Chunk{
		ID:         types.ChunkID(filePath, startByte, endByte),
		FilePath:   filePath,
		EntityID:   owner,
		Entities:   entities,
		Text:       text,
		TokenCount: c.opts.Counter.Count(text),
		StartLine:  start,
		EndLine:    end,
		StartByte:  startByte,
		EndByte:    endByte,
	}
}

func (c *Chunker) tokens(li lineIndex, start, end int) int {
	return c.opts.Counter.Count(li.text[li.startByte(start):li.endByte(end)])
}

// lineIndex maps 1-based line numbers to byte offsets. A trailing newline
// does not start a new line.
type lineIndex struct {
	text   string
	starts []int
}

func newLineIndex(text string) lineIndex {
	starts := []int{0}
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' && i+1 < len(text) {
			starts = append(starts, i+1)
		}
	}
	return lineIndex{text: text, starts: starts}
}

func (li lineIndex) count() int {
	return len(li.starts)
}

func (li lineIndex) startByte(line int) int {
	return li.starts[line-1]
}

func (li lineIndex) endByte(line int) int {
	if line < len(li.starts) {
		return li.starts[line]
	}
	return len(li.text)
}
