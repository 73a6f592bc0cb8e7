package extractor

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/dshills/coderag/pkg/types"
)

// tsSpec describes how the definitions of one language appear in its
// tree-sitter grammar
type tsSpec struct {
	lang string

	classes   map[string]bool   // Node types defining a Class entity
	functions map[string]bool   // Node types defining a Function entity
	scopes    map[string]string // Node types that only open a class scope -> field naming it
	calls     map[string]bool
	imports   map[string]func(w *tsWalker, n *sitter.Node)

	callTarget func(w *tsWalker, n *sitter.Node) (qualifier, name string)
	selfNames  map[string]bool

	// Bare calls inside a class may target its members
	implicitMembers bool
}

var treeSitterSpecs = map[string]*tsSpec{
	LangPython: {
		lang:      LangPython,
		classes:   set("class_definition"),
		functions: set("function_definition"),
		calls:     set("call"),
		imports: map[string]func(*tsWalker, *sitter.Node){
			"import_statement":      (*tsWalker).pythonImport,
			"import_from_statement": (*tsWalker).pythonFromImport,
		},
		callTarget: fieldCallTarget("function", "attribute", "object", "attribute"),
		selfNames:  set("self", "cls"),
	},
	LangJavaScript: javascriptSpec(LangJavaScript),
	LangTypeScript: javascriptSpec(LangTypeScript),
	LangTSX:        javascriptSpec(LangTSX),
	LangJava: {
		lang:            LangJava,
		classes:         set("class_declaration", "interface_declaration", "enum_declaration", "record_declaration"),
		functions:       set("method_declaration", "constructor_declaration"),
		calls:           set("method_invocation"),
		imports:         map[string]func(*tsWalker, *sitter.Node){"import_declaration": (*tsWalker).javaImport},
		callTarget:      javaCallTarget,
		selfNames:       set("this"),
		implicitMembers: true,
	},
	LangRust: {
		lang:       LangRust,
		classes:    set("struct_item", "enum_item", "trait_item", "union_item"),
		functions:  set("function_item"),
		scopes:     map[string]string{"impl_item": "type"},
		calls:      set("call_expression"),
		imports:    map[string]func(*tsWalker, *sitter.Node){"use_declaration": (*tsWalker).rustUse},
		callTarget: rustCallTarget,
		selfNames:  set("self", "Self"),
	},
}

func javascriptSpec(lang string) *tsSpec {
	return &tsSpec{
		lang: lang,
		classes: set("class_declaration", "abstract_class_declaration",
			"interface_declaration"),
		functions: set("function_declaration", "generator_function_declaration",
			"method_definition", "variable_declarator"),
		calls:      set("call_expression"),
		imports:    map[string]func(*tsWalker, *sitter.Node){"import_statement": (*tsWalker).javascriptImport},
		callTarget: fieldCallTarget("function", "member_expression", "object", "property"),
		selfNames:  set("this"),
	}
}

func treeSitterSpecFor(lang string) *tsSpec {
	return treeSitterSpecs[lang]
}

func set(items ...string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, it := range items {
		m[it] = true
	}
	return m
}

// extractTreeSitter parses the file and walks the syntax tree. A tree with
// syntax errors fails the file.
func extractTreeSitter(ctx context.Context, b *builder, spec *tsSpec) error {
	grammar, ok := grammarFor(spec.lang)
	if !ok {
		return fmt.Errorf("no grammar for %s", spec.lang)
	}

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(grammar)

	tree, err := parser.ParseCtx(ctx, nil, b.text)
	if err != nil {
		return fmt.Errorf("tree-sitter parse failed: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		if line := firstErrorLine(root); line > 0 {
			return fmt.Errorf("syntax error at line %d", line)
		}
		return errors.New("syntax error")
	}

	b.begin(moduleName(b.path, spec.lang))
	w := &tsWalker{b: b, spec: spec, src: b.text}
	w.walk(root, tsScope{parentID: b.moduleID, qname: b.module, callerID: b.moduleID})
	return nil
}

func firstErrorLine(n *sitter.Node) int {
	if n.Type() == "ERROR" || n.IsMissing() {
		return int(n.StartPoint().Row) + 1
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		child := n.Child(i)
		if child != nil && child.HasError() {
			if line := firstErrorLine(child); line > 0 {
				return line
			}
		}
	}
	return 0
}

// tsScope is the lexical context of a node
type tsScope struct {
	parentID   string // Entity that contains new definitions
	qname      string // Qualified name prefix
	classQName string // Enclosing class, if any
	callerID   string // Enclosing function, or the module at top level
	detached   bool   // Enclosing impl names a type declared elsewhere
}

type tsWalker struct {
	b    *builder
	spec *tsSpec
	src  []byte
}

func (w *tsWalker) walk(n *sitter.Node, sc tsScope) {
	typ := n.Type()

	if handle, ok := w.spec.imports[typ]; ok {
		handle(w, n)
		return
	}

	switch {
	case w.spec.classes[typ]:
		if name := w.fieldText(n, "name"); name != "" {
			qname := sc.qname + "." + name
			ent := w.b.define(types.KindClass, name, qname, sc.parentID, w.span(n))
			ent.Metadata.Signature = w.signature(n)
			w.children(n, tsScope{parentID: ent.ID, qname: qname, classQName: qname, callerID: sc.callerID})
			return
		}

	case w.spec.scopes[typ] != "":
		if name := stripGenerics(w.fieldText(n, w.spec.scopes[typ])); name != "" {
			qname := sc.qname + "." + name
			parentID := sc.parentID
			i, found := w.b.byQName[qname]
			if found {
				parentID = w.b.entities[i].ID
			}
			w.children(n, tsScope{parentID: parentID, qname: qname, classQName: qname, callerID: sc.callerID, detached: !found})
			return
		}

	case w.spec.functions[typ]:
		if name := w.functionName(n); name != "" {
			qname := sc.qname + "." + name
			ent := w.b.define(types.KindFunction, name, qname, sc.parentID, w.span(n))
			ent.Metadata.Signature = w.signature(n)
			if sc.classQName != "" {
				ent.Metadata.Set("member_of", sc.classQName)
			}
			if sc.detached {
				typeName := sc.classQName[strings.LastIndex(sc.classQName, ".")+1:]
				w.b.addMember(Member{EntityID: ent.ID, Scope: sc.classQName, TypeName: typeName})
			}
			w.children(n, tsScope{parentID: ent.ID, qname: qname, classQName: sc.classQName, callerID: ent.ID})
			return
		}

	case w.spec.calls[typ]:
		w.recordCall(n, sc)
	}

	w.children(n, sc)
}

func (w *tsWalker) children(n *sitter.Node, sc tsScope) {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if child := n.NamedChild(i); child != nil {
			w.walk(child, sc)
		}
	}
}

var jsFunctionValues = set("arrow_function", "function_expression", "function", "generator_function")

func (w *tsWalker) functionName(n *sitter.Node) string {
	if n.Type() == "variable_declarator" {
		value := n.ChildByFieldName("value")
		if value == nil || !jsFunctionValues[value.Type()] {
			return ""
		}
	}
	return w.fieldText(n, "name")
}

func (w *tsWalker) recordCall(n *sitter.Node, sc tsScope) {
	qualifier, name := w.spec.callTarget(w, n)
	if name == "" {
		return
	}
	if w.spec.lang == LangRust {
		qualifier = normalizeRustPath(qualifier)
	}

	c := Call{
		CallerID:  sc.callerID,
		Name:      name,
		Qualifier: qualifier,
		Line:      int(n.StartPoint().Row) + 1,
	}
	if sc.classQName != "" {
		if w.spec.selfNames[qualifier] || (qualifier == "" && w.spec.implicitMembers) {
			c.SelfScope = sc.classQName
		}
	}
	w.b.addCall(c)
}

// fieldCallTarget reads calls of the form name(...) and object.member(...)
func fieldCallTarget(fnField, memberType, objectField, memberField string) func(*tsWalker, *sitter.Node) (string, string) {
	return func(w *tsWalker, n *sitter.Node) (string, string) {
		fn := n.ChildByFieldName(fnField)
		if fn == nil {
			return "", ""
		}
		switch fn.Type() {
		case "identifier":
			return "", w.text(fn)
		case memberType:
			return w.fieldText(fn, objectField), w.fieldText(fn, memberField)
		}
		return "", ""
	}
}

func javaCallTarget(w *tsWalker, n *sitter.Node) (string, string) {
	return w.fieldText(n, "object"), w.fieldText(n, "name")
}

func rustCallTarget(w *tsWalker, n *sitter.Node) (string, string) {
	fn := n.ChildByFieldName("function")
	for fn != nil && fn.Type() == "generic_function" {
		fn = fn.ChildByFieldName("function")
	}
	if fn == nil {
		return "", ""
	}
	switch fn.Type() {
	case "identifier":
		return "", w.text(fn)
	case "scoped_identifier":
		return w.fieldText(fn, "path"), w.fieldText(fn, "name")
	case "field_expression":
		return w.fieldText(fn, "value"), w.fieldText(fn, "field")
	}
	return "", ""
}

// pythonImport handles: import a.b, import a.b as c
func (w *tsWalker) pythonImport(n *sitter.Node) {
	line := w.line(n)
	for i := 0; i < int(n.NamedChildCount()); i++ {
		child := n.NamedChild(i)
		var modPath, alias string
		switch child.Type() {
		case "dotted_name":
			modPath = w.text(child)
			alias = modPath
		case "aliased_import":
			modPath = w.fieldText(child, "name")
			alias = w.fieldText(child, "alias")
		default:
			continue
		}
		id := w.b.importEntity(modPath, line)
		w.b.addImport(Import{EntityID: id, Path: modPath, Alias: alias, Line: line})
	}
}

// pythonFromImport handles: from a.b import c, d as e and relative forms
func (w *tsWalker) pythonFromImport(n *sitter.Node) {
	line := w.line(n)
	mod := n.ChildByFieldName("module_name")
	if mod == nil {
		return
	}
	written := w.text(mod)
	isPackage := path.Base(w.b.path) == "__init__.py"
	modPath := resolvePythonRelative(written, w.b.module, isPackage)
	id := w.b.importEntity(written, line)

	names := make(map[string]string)
	for i := 0; i < int(n.NamedChildCount()); i++ {
		child := n.NamedChild(i)
		if child.StartByte() == mod.StartByte() {
			continue
		}
		var name, local string
		switch child.Type() {
		case "dotted_name":
			name = w.text(child)
			local = name
		case "aliased_import":
			name = w.fieldText(child, "name")
			local = w.fieldText(child, "alias")
		default:
			continue
		}
		names[local] = name
		// The imported name may itself be a submodule
		w.b.addImport(Import{EntityID: id, Path: joinDotted(modPath, name), Alias: local, Line: line, Speculative: true})
	}
	w.b.addImport(Import{EntityID: id, Path: modPath, Names: names, Line: line})
}

// javascriptImport handles default, namespace and named imports
func (w *tsWalker) javascriptImport(n *sitter.Node) {
	source := n.ChildByFieldName("source")
	if source == nil {
		return
	}
	line := w.line(n)
	written := strings.Trim(w.text(source), "'\"`")
	imp := Import{
		EntityID: w.b.importEntity(written, line),
		Path:     resolveJSImport(written, w.b.path),
		Names:    make(map[string]string),
		Line:     line,
	}

	for i := 0; i < int(n.NamedChildCount()); i++ {
		clause := n.NamedChild(i)
		if clause.Type() != "import_clause" {
			continue
		}
		for j := 0; j < int(clause.NamedChildCount()); j++ {
			part := clause.NamedChild(j)
			switch part.Type() {
			case "identifier":
				imp.Alias = w.text(part)
			case "namespace_import":
				for k := 0; k < int(part.NamedChildCount()); k++ {
					if id := part.NamedChild(k); id.Type() == "identifier" {
						imp.Alias = w.text(id)
					}
				}
			case "named_imports":
				for k := 0; k < int(part.NamedChildCount()); k++ {
					spec := part.NamedChild(k)
					if spec.Type() != "import_specifier" {
						continue
					}
					name := w.fieldText(spec, "name")
					local := w.fieldText(spec, "alias")
					if local == "" {
						local = name
					}
					imp.Names[local] = name
				}
			}
		}
	}
	w.b.addImport(imp)
}

// javaImport handles single-type and on-demand imports
func (w *tsWalker) javaImport(n *sitter.Node) {
	line := w.line(n)
	for i := 0; i < int(n.NamedChildCount()); i++ {
		child := n.NamedChild(i)
		if child.Type() != "scoped_identifier" && child.Type() != "identifier" {
			continue
		}
		written := w.text(child)
		imp := Import{EntityID: w.b.importEntity(written, line), Path: written, Line: line}
		if !strings.Contains(w.text(n), "*") {
			imp.Alias = lastSegment(written)
		}
		w.b.addImport(imp)
		return
	}
}

// rustUse handles use declarations including nested use lists
func (w *tsWalker) rustUse(n *sitter.Node) {
	arg := n.ChildByFieldName("argument")
	if arg == nil {
		return
	}
	line := w.line(n)
	id := w.b.importEntity(w.text(arg), line)
	w.rustUseTree(arg, "", id, line)
}

func (w *tsWalker) rustUseTree(n *sitter.Node, prefix, id string, line int) {
	switch n.Type() {
	case "identifier", "scoped_identifier", "crate", "self", "super":
		full := joinRust(prefix, w.text(n))
		w.addRustUse(full, lastSegment(normalizeRustPath(full)), id, line)
	case "use_as_clause":
		full := joinRust(prefix, w.fieldText(n, "path"))
		w.addRustUse(full, w.fieldText(n, "alias"), id, line)
	case "use_wildcard":
		full := prefix
		if p := n.NamedChild(0); p != nil {
			full = joinRust(prefix, w.text(p))
		}
		w.b.addImport(Import{EntityID: id, Path: normalizeRustPath(full), Line: line})
	case "scoped_use_list":
		next := prefix
		if p := n.ChildByFieldName("path"); p != nil {
			next = joinRust(prefix, w.text(p))
		}
		if list := n.ChildByFieldName("list"); list != nil {
			w.rustUseTree(list, next, id, line)
		}
	case "use_list":
		for i := 0; i < int(n.NamedChildCount()); i++ {
			w.rustUseTree(n.NamedChild(i), prefix, id, line)
		}
	}
}

func (w *tsWalker) addRustUse(full, local, id string, line int) {
	norm := normalizeRustPath(full)
	if norm == "" || local == "" || local == "self" {
		return
	}
	w.b.addImport(Import{EntityID: id, Path: norm, Alias: local, Line: line, Speculative: strings.Contains(norm, ".")})
	if i := strings.LastIndex(norm, "."); i > 0 {
		w.b.addImport(Import{
			EntityID: id,
			Path:     norm[:i],
			Names:    map[string]string{local: norm[i+1:]},
			Line:     line,
		})
	}
}

func (w *tsWalker) text(n *sitter.Node) string {
	return n.Content(w.src)
}

func (w *tsWalker) fieldText(n *sitter.Node, field string) string {
	child := n.ChildByFieldName(field)
	if child == nil {
		return ""
	}
	return child.Content(w.src)
}

func (w *tsWalker) line(n *sitter.Node) int {
	return int(n.StartPoint().Row) + 1
}

func (w *tsWalker) span(n *sitter.Node) types.Span {
	start := int(n.StartPoint().Row) + 1
	end := int(n.EndPoint().Row) + 1
	// A node ending at column 0 ends on the previous line
	if n.EndPoint().Column == 0 && end > start {
		end--
	}
	return types.Span{StartLine: start, EndLine: end}
}

// signature returns the first line of a definition
func (w *tsWalker) signature(n *sitter.Node) string {
	text := w.text(n)
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	text = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(text), "{"))
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}

// resolvePythonRelative turns a relative module reference into an absolute
// dotted module path
func resolvePythonRelative(written, module string, isPackage bool) string {
	level := len(written) - len(strings.TrimLeft(written, "."))
	if level == 0 {
		return written
	}
	rest := written[level:]

	parts := strings.Split(module, ".")
	drop := level
	if isPackage {
		drop--
	}
	if drop > len(parts) {
		drop = len(parts)
	}
	base := strings.Join(parts[:len(parts)-drop], ".")
	return joinDotted(base, rest)
}

var jsExtensions = []string{".js", ".jsx", ".mjs", ".cjs", ".ts", ".tsx", ".mts"}

// resolveJSImport maps an import specifier to a dotted module path
func resolveJSImport(written, fromFile string) string {
	p := written
	if strings.HasPrefix(p, ".") {
		p = path.Join(path.Dir(fromFile), p)
	}
	for _, ext := range jsExtensions {
		if strings.HasSuffix(p, ext) {
			p = strings.TrimSuffix(p, ext)
			break
		}
	}
	return dottedPath(p)
}

// normalizeRustPath converts a::b paths to dotted form relative to the crate
func normalizeRustPath(p string) string {
	p = strings.ReplaceAll(p, "::", ".")
	for {
		switch {
		case strings.HasPrefix(p, "crate."):
			p = strings.TrimPrefix(p, "crate.")
		case strings.HasPrefix(p, "self."):
			p = strings.TrimPrefix(p, "self.")
		case strings.HasPrefix(p, "super."):
			p = strings.TrimPrefix(p, "super.")
		default:
			return p
		}
	}
}

func joinRust(prefix, p string) string {
	if prefix == "" {
		return p
	}
	return prefix + "::" + p
}

func joinDotted(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + "." + b
}

func lastSegment(p string) string {
	if i := strings.LastIndexAny(p, ".:"); i >= 0 {
		return p[i+1:]
	}
	return p
}

// stripGenerics turns Foo<T> into Foo
func stripGenerics(name string) string {
	if i := strings.IndexByte(name, '<'); i >= 0 {
		return strings.TrimSpace(name[:i])
	}
	return name
}
