package extractor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"strings"

	"github.com/dshills/coderag/pkg/types"
)

// FileExtraction is the structural content of one file. Relationships holds
// the edges that can be derived from the file alone; cross-file edges come
// from Resolve.
type FileExtraction struct {
	Path     string
	Language string
	Module   string

	Entities      []types.Entity
	Relationships []types.Relationship

	Imports []Import
	Calls   []Call
	Members []Member

	ParseFailed bool
	Err         error
}

// Import is one module binding introduced by an import statement
type Import struct {
	EntityID string
	Path     string            // Normalized dotted module path
	Alias    string            // Local name bound to the module, if any
	Names    map[string]string // Local name -> name defined in the module
	Line     int

	// Speculative marks a path that may name a symbol rather than a module;
	// it only resolves to modules whose name ends with the full path.
	Speculative bool
}

// Call is an unresolved call site
type Call struct {
	CallerID  string
	Name      string
	Qualifier string // Receiver or module expression; empty for bare calls
	SelfScope string // Qualified name of the enclosing class when the call targets the instance
	Line      int
}

// Member is a method whose owning type is not declared in the same file:
// a Go method on a type from another file of the package or a Rust impl of
// a type from another module
type Member struct {
	EntityID string
	Scope    string // Qualified name the owning type would have in this module
	TypeName string
}

// FileEntity returns the File entity of the extraction
func (x *FileExtraction) FileEntity() types.Entity {
	for _, e := range x.Entities {
		if e.Kind == types.KindFile {
			return e
		}
	}
	return types.Entity{}
}

// ModuleEntity returns the Module entity, if the file produced one
func (x *FileExtraction) ModuleEntity() (types.Entity, bool) {
	for _, e := range x.Entities {
		if e.Kind == types.KindModule {
			return e, true
		}
	}
	return types.Entity{}, false
}

// Definitions returns the Class and Function entities of the file
func (x *FileExtraction) Definitions() []types.Entity {
	var defs []types.Entity
	for _, e := range x.Entities {
		if e.Kind == types.KindClass || e.Kind == types.KindFunction {
			defs = append(defs, e)
		}
	}
	return defs
}

// Options configures an Extractor
type Options struct {
	// GoModulePath is the module path from the repository's go.mod. Go
	// imports under it are mapped to repository packages.
	GoModulePath string
}

// Extractor turns source files into entities and relationships
type Extractor struct {
	opts Options
}

// New creates an Extractor
func New(opts Options) *Extractor {
	return &Extractor{opts: opts}
}

// Extract parses one file. It never fails: a file that cannot be parsed
// yields a single File entity flagged ParseFailed, and files in unsupported
// languages yield a File and a Module entity.
func (e *Extractor) Extract(ctx context.Context, filePath string, text []byte) *FileExtraction {
	lang := LanguageForFile(filePath)
	b := newBuilder(filePath, lang, text)

	var err error
	switch {
	case lang == LangGo:
		err = e.extractGo(b)
	case treeSitterSpecFor(lang) != nil:
		err = extractTreeSitter(ctx, b, treeSitterSpecFor(lang))
	default:
		b.begin(moduleName(filePath, lang))
	}

	if err != nil {
		return b.failed(err)
	}
	return b.result()
}

// builder accumulates the entities of one file
type builder struct {
	path  string
	lang  string
	text  []byte
	lines int

	module   string
	file     types.Entity
	moduleID string

	entities []types.Entity
	rels     []types.Relationship
	imports  []Import
	calls    []Call
	members  []Member
	byQName  map[string]int
}

func newBuilder(filePath, lang string, text []byte) *builder {
	lines := strings.Count(string(text), "\n")
	if len(text) > 0 && text[len(text)-1] != '\n' {
		lines++
	}
	if lines == 0 {
		lines = 1
	}

	file := types.NewEntity(types.KindFile, path.Base(filePath), filePath, filePath, types.Span{StartLine: 1, EndLine: lines})
	file.Metadata.Language = lang
	file.Metadata.ContentHash = ContentHash(text)

	return &builder{
		path:    filePath,
		lang:    lang,
		text:    text,
		lines:   lines,
		file:    file,
		byQName: make(map[string]int),
	}
}

// begin records the File and Module entities
func (b *builder) begin(module string) {
	if module == "" {
		module = path.Base(b.path)
	}
	b.module = module
	b.entities = append(b.entities, b.file)

	name := module
	if i := strings.LastIndex(module, "."); i >= 0 {
		name = module[i+1:]
	}
	mod := types.NewEntity(types.KindModule, name, b.path, module, types.Span{StartLine: 1, EndLine: b.lines})
	mod.Metadata.Language = b.lang
	b.moduleID = mod.ID
	b.entities = append(b.entities, mod)
	b.relate(b.file.ID, mod.ID, types.RelContains)
}

// define records a Class or Function entity under parentID. A second
// definition with the same qualified name in the file reuses the first.
func (b *builder) define(kind types.EntityKind, name, qname, parentID string, span types.Span) *types.Entity {
	if i, ok := b.byQName[qname]; ok {
		ent := &b.entities[i]
		if span.EndLine > ent.Span.EndLine {
			ent.Span.EndLine = span.EndLine
		}
		return ent
	}

	ent := types.NewEntity(kind, name, b.path, qname, span)
	ent.Metadata.Language = b.lang
	if kind == types.KindClass {
		ent.Metadata.Role = DetectRole(name)
	}

	b.byQName[qname] = len(b.entities)
	b.entities = append(b.entities, ent)
	b.relate(parentID, ent.ID, types.RelContains)
	b.relate(b.file.ID, ent.ID, types.RelDefines)
	return &b.entities[len(b.entities)-1]
}

// importEntity records an Import entity for one import statement
func (b *builder) importEntity(written string, line int) string {
	qname := b.module + ".import." + written
	if i, ok := b.byQName[qname]; ok {
		return b.entities[i].ID
	}
	ent := types.NewEntity(types.KindImport, written, b.path, qname, types.Span{StartLine: line, EndLine: line})
	ent.Metadata.Language = b.lang
	b.byQName[qname] = len(b.entities)
	b.entities = append(b.entities, ent)
	b.relate(b.file.ID, ent.ID, types.RelContains)
	return ent.ID
}

func (b *builder) addImport(imp Import) {
	if imp.Path == "" {
		return
	}
	b.imports = append(b.imports, imp)
}

func (b *builder) addCall(c Call) {
	if c.Name == "" || c.CallerID == "" {
		return
	}
	b.calls = append(b.calls, c)
}

func (b *builder) addMember(m Member) {
	if m.EntityID == "" || m.TypeName == "" {
		return
	}
	b.members = append(b.members, m)
}

func (b *builder) relate(source, target string, kind types.RelationKind) {
	b.rels = append(b.rels, types.Relationship{
		SourceID:   source,
		TargetID:   target,
		Kind:       kind,
		Confidence: types.ConfidenceExact,
	})
}

func (b *builder) result() *FileExtraction {
	return &FileExtraction{
		Path:          b.path,
		Language:      b.lang,
		Module:        b.module,
		Entities:      b.entities,
		Relationships: b.rels,
		Imports:       b.imports,
		Calls:         b.calls,
		Members:       b.members,
	}
}

// failed degrades the extraction to the File entity alone
func (b *builder) failed(err error) *FileExtraction {
	file := b.file
	file.Metadata.ParseFailed = true
	file.Metadata.ParseError = err.Error()
	return &FileExtraction{
		Path:        b.path,
		Language:    b.lang,
		Entities:    []types.Entity{file},
		ParseFailed: true,
		Err:         fmt.Errorf("%w: %s: %v", types.ErrParseFailure, b.path, err),
	}
}

// ContentHash returns the hex sha256 of a file's content
func ContentHash(text []byte) string {
	sum := sha256.Sum256(text)
	return hex.EncodeToString(sum[:])
}

// moduleName derives the dotted module name of a file from its path
func moduleName(filePath, lang string) string {
	p := strings.TrimSuffix(filePath, path.Ext(filePath))
	base := path.Base(p)
	if (lang == LangPython && base == "__init__") || (lang == LangRust && base == "mod") {
		if dir := path.Dir(p); dir != "." {
			p = dir
		}
	}
	return dottedPath(p)
}

// dottedPath converts a slash separated path to a dotted name
func dottedPath(p string) string {
	p = strings.Trim(path.Clean(p), "/")
	if p == "." || p == "" {
		return ""
	}
	return strings.ReplaceAll(p, "/", ".")
}
