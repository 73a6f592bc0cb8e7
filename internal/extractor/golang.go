package extractor

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path"
	"strings"

	"github.com/dshills/coderag/pkg/types"
)

// extractGo parses a Go file with go/ast. Syntax errors fail the file.
func (e *Extractor) extractGo(b *builder) error {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, b.path, b.text, parser.ParseComments)
	if err != nil {
		return err
	}

	pkg := file.Name.Name
	module := dottedPath(path.Dir(b.path))
	if module == "" {
		module = pkg
	}
	b.begin(module)

	g := &goExtractor{b: b, fset: fset, modulePath: e.opts.GoModulePath}
	g.extractImports(file)

	// Types first so methods can attach to types declared in the same file
	for _, decl := range file.Decls {
		if gen, ok := decl.(*ast.GenDecl); ok && gen.Tok == token.TYPE {
			for _, spec := range gen.Specs {
				g.extractTypeSpec(spec.(*ast.TypeSpec))
			}
		}
	}
	for _, decl := range file.Decls {
		if fn, ok := decl.(*ast.FuncDecl); ok {
			g.extractFunction(fn)
		}
	}
	return nil
}

type goExtractor struct {
	b          *builder
	fset       *token.FileSet
	modulePath string
}

// extractImports records import specs, mapping paths under the module path
// to repository packages
func (g *goExtractor) extractImports(file *ast.File) {
	for _, spec := range file.Imports {
		importPath := strings.Trim(spec.Path.Value, `"`)
		line := g.fset.Position(spec.Pos()).Line
		id := g.b.importEntity(importPath, line)

		alias := path.Base(importPath)
		if spec.Name != nil {
			alias = spec.Name.Name
		}
		if alias == "_" || alias == "." {
			alias = ""
		}

		g.b.addImport(Import{
			EntityID: id,
			Path:     g.normalizeImport(importPath),
			Alias:    alias,
			Line:     line,
		})
	}
}

func (g *goExtractor) normalizeImport(importPath string) string {
	if g.modulePath != "" {
		if importPath == g.modulePath {
			return path.Base(importPath)
		}
		if rel, ok := strings.CutPrefix(importPath, g.modulePath+"/"); ok {
			return dottedPath(rel)
		}
	}
	return dottedPath(importPath)
}

// extractTypeSpec records a named type as a Class entity
func (g *goExtractor) extractTypeSpec(spec *ast.TypeSpec) {
	name := spec.Name.Name
	ent := g.b.define(types.KindClass, name, g.b.module+"."+name, g.b.moduleID, g.span(spec))

	switch t := spec.Type.(type) {
	case *ast.StructType:
		fields := 0
		if t.Fields != nil {
			fields = t.Fields.NumFields()
		}
		ent.Metadata.Signature = fmt.Sprintf("type %s struct { ... } // %d fields", name, fields)
		ent.Metadata.Set("type_kind", "struct")
	case *ast.InterfaceType:
		methods := 0
		if t.Methods != nil {
			methods = t.Methods.NumFields()
		}
		ent.Metadata.Signature = fmt.Sprintf("type %s interface { ... } // %d methods", name, methods)
		ent.Metadata.Set("type_kind", "interface")
	default:
		ent.Metadata.Signature = fmt.Sprintf("type %s %s", name, exprToString(spec.Type))
		ent.Metadata.Set("type_kind", "type")
	}
	ent.Metadata.Set("exported", token.IsExported(name))
}

// extractFunction records functions and methods together with their call sites
func (g *goExtractor) extractFunction(fn *ast.FuncDecl) {
	name := fn.Name.Name
	qname := g.b.module + "." + name
	parentID := g.b.moduleID

	var receiverType, receiverVar, scope string
	detached := false
	if fn.Recv != nil && len(fn.Recv.List) > 0 {
		recv := fn.Recv.List[0]
		receiverType = receiverTypeName(recv.Type)
		if len(recv.Names) > 0 {
			receiverVar = recv.Names[0].Name
		}
		scope = g.b.module + "." + receiverType
		qname = scope + "." + name
		if i, ok := g.b.byQName[scope]; ok {
			parentID = g.b.entities[i].ID
		} else {
			detached = true
		}
	}

	ent := g.b.define(types.KindFunction, name, qname, parentID, g.span(fn))
	ent.Metadata.Signature = functionSignature(fn)
	ent.Metadata.Set("exported", token.IsExported(name))
	if receiverType != "" {
		ent.Metadata.Set("receiver", receiverType)
	}
	callerID := ent.ID
	if detached {
		// Declared in another file, or later in this one
		g.b.addMember(Member{EntityID: ent.ID, Scope: scope, TypeName: receiverType})
	}

	if fn.Body == nil {
		return
	}
	ast.Inspect(fn.Body, func(node ast.Node) bool {
		call, ok := node.(*ast.CallExpr)
		if !ok {
			return true
		}
		c := Call{CallerID: callerID, Line: g.fset.Position(call.Pos()).Line}
		switch f := call.Fun.(type) {
		case *ast.Ident:
			c.Name = f.Name
		case *ast.SelectorExpr:
			c.Name = f.Sel.Name
			c.Qualifier = exprToString(f.X)
			if receiverVar != "" && c.Qualifier == receiverVar {
				c.SelfScope = scope
			}
		case *ast.IndexExpr:
			// Generic instantiation: Fn[T](...)
			if id, ok := f.X.(*ast.Ident); ok {
				c.Name = id.Name
			}
		}
		if !isGoBuiltin(c.Name) || c.Qualifier != "" {
			g.b.addCall(c)
		}
		return true
	})
}

func (g *goExtractor) span(node ast.Node) types.Span {
	return types.Span{
		StartLine: g.fset.Position(node.Pos()).Line,
		EndLine:   g.fset.Position(node.End()).Line,
	}
}

// receiverTypeName extracts the receiver type name from a method
func receiverTypeName(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.StarExpr:
		return receiverTypeName(t.X)
	case *ast.Ident:
		return t.Name
	case *ast.IndexExpr:
		return receiverTypeName(t.X)
	case *ast.IndexListExpr:
		return receiverTypeName(t.X)
	}
	return ""
}

// functionSignature builds a function signature string
func functionSignature(fn *ast.FuncDecl) string {
	var sig strings.Builder
	sig.WriteString("func ")

	if fn.Recv != nil && len(fn.Recv.List) > 0 {
		sig.WriteString("(")
		sig.WriteString(exprToString(fn.Recv.List[0].Type))
		sig.WriteString(") ")
	}
	sig.WriteString(fn.Name.Name)

	sig.WriteString("(")
	sig.WriteString(fieldListToString(fn.Type.Params))
	sig.WriteString(")")

	if fn.Type.Results != nil {
		if results := fieldListToString(fn.Type.Results); results != "" {
			if fn.Type.Results.NumFields() > 1 {
				sig.WriteString(" (" + results + ")")
			} else {
				sig.WriteString(" " + results)
			}
		}
	}
	return sig.String()
}

func fieldListToString(fields *ast.FieldList) string {
	if fields == nil || len(fields.List) == 0 {
		return ""
	}

	var parts []string
	for _, field := range fields.List {
		typeStr := exprToString(field.Type)
		if len(field.Names) == 0 {
			parts = append(parts, typeStr)
			continue
		}
		for _, name := range field.Names {
			parts = append(parts, name.Name+" "+typeStr)
		}
	}
	return strings.Join(parts, ", ")
}

// exprToString renders a type or selector expression
func exprToString(expr ast.Expr) string {
	switch t := expr.(type) {
	case nil:
		return ""
	case *ast.Ident:
		return t.Name
	case *ast.StarExpr:
		return "*" + exprToString(t.X)
	case *ast.ArrayType:
		return "[]" + exprToString(t.Elt)
	case *ast.MapType:
		return fmt.Sprintf("map[%s]%s", exprToString(t.Key), exprToString(t.Value))
	case *ast.ChanType:
		return "chan " + exprToString(t.Value)
	case *ast.FuncType:
		return "func(...)"
	case *ast.InterfaceType:
		return "interface{}"
	case *ast.SelectorExpr:
		return exprToString(t.X) + "." + t.Sel.Name
	case *ast.Ellipsis:
		return "..." + exprToString(t.Elt)
	case *ast.IndexExpr:
		return exprToString(t.X) + "[" + exprToString(t.Index) + "]"
	case *ast.CallExpr:
		return exprToString(t.Fun) + "()"
	default:
		return "..."
	}
}

var goBuiltins = map[string]bool{
	"append": true, "cap": true, "clear": true, "close": true, "complex": true,
	"copy": true, "delete": true, "imag": true, "len": true, "make": true,
	"max": true, "min": true, "new": true, "panic": true, "print": true,
	"println": true, "real": true, "recover": true,
}

func isGoBuiltin(name string) bool {
	return goBuiltins[name]
}

// ReadGoModulePath returns the module path declared in a go.mod file
func ReadGoModulePath(goModPath string) (string, error) {
	content, err := os.ReadFile(goModPath)
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(line, "module "); ok {
			return strings.Trim(strings.TrimSpace(rest), `"`), nil
		}
	}
	return "", fmt.Errorf("no module directive in %s", goModPath)
}
