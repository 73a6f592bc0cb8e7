package extractor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/coderag/pkg/types"
)

func extractAll(t *testing.T, files map[string]string) (map[string]*FileExtraction, *SymbolTable) {
	t.Helper()
	ex := New(Options{})
	byPath := make(map[string]*FileExtraction, len(files))
	var all []*FileExtraction
	for path, src := range files {
		x := extract(t, ex, path, src)
		require.False(t, x.ParseFailed, "%s: %v", path, x.Err)
		byPath[path] = x
		all = append(all, x)
	}
	return byPath, NewSymbolTable(all)
}

func TestResolve_UniqueCandidateIsExact(t *testing.T) {
	xs, table := extractAll(t, map[string]string{
		"a.py": "def foo():\n    bar()\n",
		"b.py": "def bar():\n    pass\n",
	})

	foo := entityByName(t, xs["a.py"], types.KindFunction, "foo")
	bar := entityByName(t, xs["b.py"], types.KindFunction, "bar")

	rels := Resolve(xs["a.py"], table)
	require.Len(t, rels, 1)
	assert.Equal(t, foo.ID, rels[0].SourceID)
	assert.Equal(t, bar.ID, rels[0].TargetID)
	assert.Equal(t, types.RelCalls, rels[0].Kind)
	assert.Equal(t, types.ConfidenceExact, rels[0].Confidence)
}

func TestResolve_AmbiguousNameOnlyCandidates(t *testing.T) {
	xs, table := extractAll(t, map[string]string{
		"c.py": "def helper():\n    pass\n",
		"d.py": "def helper():\n    pass\n",
		"e.py": "def run():\n    helper()\n",
	})

	rels := Resolve(xs["e.py"], table)
	require.Len(t, rels, 2)
	targets := []string{rels[0].TargetID, rels[1].TargetID}
	assert.ElementsMatch(t, []string{
		entityByName(t, xs["c.py"], types.KindFunction, "helper").ID,
		entityByName(t, xs["d.py"], types.KindFunction, "helper").ID,
	}, targets)
	for _, r := range rels {
		assert.Equal(t, types.ConfidenceNameOnly, r.Confidence)
	}
}

func TestResolve_NoCandidateNoEdge(t *testing.T) {
	xs, table := extractAll(t, map[string]string{
		"a.py": "import os\n\ndef foo():\n    os.getcwd()\n    missing()\n",
	})
	assert.Empty(t, Resolve(xs["a.py"], table))
}

func TestResolve_PythonImportBeatsNameOnly(t *testing.T) {
	xs, table := extractAll(t, map[string]string{
		"pkg/b.py": "def bar():\n    pass\n",
		"pkg/c.py": "def bar():\n    pass\n",
		"main.py":  "from pkg.b import bar as baz\n\ndef run():\n    baz()\n",
	})

	run := entityByName(t, xs["main.py"], types.KindFunction, "run")
	bar := entityByName(t, xs["pkg/b.py"], types.KindFunction, "bar")

	rels := Resolve(xs["main.py"], table)
	call, ok := hasRelationship(rels, run.ID, bar.ID, types.RelCalls)
	require.True(t, ok)
	assert.Equal(t, types.ConfidenceExact, call.Confidence)
	assert.Equal(t, 1, countKind(rels, types.RelCalls))

	mainMod, _ := xs["main.py"].ModuleEntity()
	bMod, _ := xs["pkg/b.py"].ModuleEntity()
	_, ok = hasRelationship(rels, mainMod.ID, bMod.ID, types.RelImports)
	assert.True(t, ok)
	assert.Equal(t, 1, countKind(rels, types.RelImports))
}

func TestResolve_PythonModuleAlias(t *testing.T) {
	xs, table := extractAll(t, map[string]string{
		"lib/util.py":  "def slug(s):\n    return s\n",
		"lib/other.py": "def slug(s):\n    return s\n",
		"app.py":       "import lib.util as u\n\ndef handle():\n    return u.slug('x')\n",
	})

	handle := entityByName(t, xs["app.py"], types.KindFunction, "handle")
	slug := entityByName(t, xs["lib/util.py"], types.KindFunction, "slug")

	rels := Resolve(xs["app.py"], table)
	call, ok := hasRelationship(rels, handle.ID, slug.ID, types.RelCalls)
	require.True(t, ok)
	assert.Equal(t, types.ConfidenceExact, call.Confidence)
	assert.Equal(t, 1, countKind(rels, types.RelCalls))
}

func TestResolve_PythonSelfCall(t *testing.T) {
	src := `class UserRepository:
    def save(self, user):
        self.validate(user)

    def validate(self, user):
        return True
`
	xs, table := extractAll(t, map[string]string{"repo.py": src})
	x := xs["repo.py"]

	class := entityByName(t, x, types.KindClass, "UserRepository")
	assert.Equal(t, RoleRepository, class.Metadata.Role)
	assert.Equal(t, 1, class.Span.StartLine)
	assert.Equal(t, 6, class.Span.EndLine)

	save := entityByName(t, x, types.KindFunction, "save")
	validate := entityByName(t, x, types.KindFunction, "validate")
	assert.Equal(t, "repo.UserRepository.save", save.QualifiedName())

	_, ok := hasRelationship(x.Relationships, class.ID, save.ID, types.RelContains)
	assert.True(t, ok)
	_, ok = hasRelationship(x.Relationships, x.FileEntity().ID, validate.ID, types.RelDefines)
	assert.True(t, ok)

	rels := Resolve(x, table)
	call, ok := hasRelationship(rels, save.ID, validate.ID, types.RelCalls)
	require.True(t, ok)
	assert.Equal(t, types.ConfidenceExact, call.Confidence)
}

func TestResolve_PythonRelativeImport(t *testing.T) {
	xs, table := extractAll(t, map[string]string{
		"pkg/__init__.py": "",
		"pkg/util.py":     "def helper():\n    pass\n",
		"pkg/main.py":     "from .util import helper\n\ndef run():\n    helper()\n",
	})

	rels := Resolve(xs["pkg/main.py"], table)
	_, ok := hasRelationship(rels,
		entityByName(t, xs["pkg/main.py"], types.KindFunction, "run").ID,
		entityByName(t, xs["pkg/util.py"], types.KindFunction, "helper").ID,
		types.RelCalls)
	assert.True(t, ok)
}

func TestResolve_JavaScript(t *testing.T) {
	util := `export function formatName(name) {
  return name.trim();
}

export const shout = (text) => text.toUpperCase();
`
	app := "import { formatName } from './util';\n\n" +
		"class Greeter {\n" +
		"  greet(name) {\n" +
		"    return this.wrap(formatName(name));\n" +
		"  }\n\n" +
		"  wrap(text) {\n" +
		"    return `<${text}>`;\n" +
		"  }\n" +
		"}\n"

	xs, table := extractAll(t, map[string]string{"util.js": util, "app.js": app})

	entityByName(t, xs["util.js"], types.KindFunction, "shout")
	formatName := entityByName(t, xs["util.js"], types.KindFunction, "formatName")
	greet := entityByName(t, xs["app.js"], types.KindFunction, "greet")
	wrap := entityByName(t, xs["app.js"], types.KindFunction, "wrap")
	assert.Equal(t, "app.Greeter.greet", greet.QualifiedName())

	rels := Resolve(xs["app.js"], table)
	for _, target := range []string{formatName.ID, wrap.ID} {
		rel, ok := hasRelationship(rels, greet.ID, target, types.RelCalls)
		require.True(t, ok)
		assert.Equal(t, types.ConfidenceExact, rel.Confidence)
	}
	assert.Equal(t, 2, countKind(rels, types.RelCalls))
	assert.Equal(t, 1, countKind(rels, types.RelImports))
}

func TestResolve_TypeScript(t *testing.T) {
	src := `interface Shape {
  area(): number;
}

export class Square implements Shape {
  constructor(private side: number) {}

  area(): number {
    return this.square(this.side);
  }

  private square(n: number): number {
    return n * n;
  }
}
`
	xs, table := extractAll(t, map[string]string{"shapes.ts": src})
	x := xs["shapes.ts"]

	entityByName(t, x, types.KindClass, "Shape")
	area := entityByName(t, x, types.KindFunction, "area")
	square := entityByName(t, x, types.KindFunction, "square")

	rel, ok := hasRelationship(Resolve(x, table), area.ID, square.ID, types.RelCalls)
	require.True(t, ok)
	assert.Equal(t, types.ConfidenceExact, rel.Confidence)
}

func TestResolve_JavaImplicitMemberCalls(t *testing.T) {
	src := `package com.example;

import java.util.List;

public class OrderService {
    public void place(String id) {
        validate(id);
        this.log(id);
    }

    private boolean validate(String id) {
        return !id.isEmpty();
    }

    private void log(String msg) {
        System.out.println(msg);
    }
}
`
	xs, table := extractAll(t, map[string]string{"src/com/example/OrderService.java": src})
	x := xs["src/com/example/OrderService.java"]

	class := entityByName(t, x, types.KindClass, "OrderService")
	assert.Equal(t, RoleService, class.Metadata.Role)

	place := entityByName(t, x, types.KindFunction, "place")
	rels := Resolve(x, table)
	for _, name := range []string{"validate", "log"} {
		rel, ok := hasRelationship(rels, place.ID, entityByName(t, x, types.KindFunction, name).ID, types.RelCalls)
		require.True(t, ok, name)
		assert.Equal(t, types.ConfidenceExact, rel.Confidence)
	}
	assert.Equal(t, 2, countKind(rels, types.RelCalls))
	assert.Equal(t, 0, countKind(rels, types.RelImports))
}

func TestResolve_RustUseAndImpl(t *testing.T) {
	b := "pub fn bar() -> u32 {\n    42\n}\n"
	a := `use crate::b::bar;

pub struct Counter {
    value: u32,
}

impl Counter {
    pub fn bump(&mut self) {
        self.value += bar();
        self.reset();
    }

    fn reset(&mut self) {
        self.value = 0;
    }
}
`
	xs, table := extractAll(t, map[string]string{"src/a.rs": a, "src/b.rs": b})
	x := xs["src/a.rs"]

	counter := entityByName(t, x, types.KindClass, "Counter")
	bump := entityByName(t, x, types.KindFunction, "bump")
	reset := entityByName(t, x, types.KindFunction, "reset")
	assert.Equal(t, "src.a.Counter.bump", bump.QualifiedName())

	_, ok := hasRelationship(x.Relationships, counter.ID, bump.ID, types.RelContains)
	assert.True(t, ok, "impl methods belong to the struct")

	rels := Resolve(x, table)
	bar := entityByName(t, xs["src/b.rs"], types.KindFunction, "bar")
	for _, target := range []string{bar.ID, reset.ID} {
		rel, ok := hasRelationship(rels, bump.ID, target, types.RelCalls)
		require.True(t, ok)
		assert.Equal(t, types.ConfidenceExact, rel.Confidence)
	}

	aMod, _ := x.ModuleEntity()
	bMod, _ := xs["src/b.rs"].ModuleEntity()
	_, ok = hasRelationship(rels, aMod.ID, bMod.ID, types.RelImports)
	assert.True(t, ok)
}

func TestResolve_RustImplInAnotherModule(t *testing.T) {
	model := "pub struct Counter {\n    value: u32,\n}\n"
	ops := `use crate::model::Counter;

impl Counter {
    pub fn reset(&mut self) {
        self.value = 0;
    }
}
`
	xs, table := extractAll(t, map[string]string{"src/model.rs": model, "src/ops.rs": ops})

	counter := entityByName(t, xs["src/model.rs"], types.KindClass, "Counter")
	reset := entityByName(t, xs["src/ops.rs"], types.KindFunction, "reset")

	rel, ok := hasRelationship(Resolve(xs["src/ops.rs"], table), counter.ID, reset.ID, types.RelContains)
	require.True(t, ok, "impl methods belong to the imported struct")
	assert.Equal(t, types.ConfidenceExact, rel.Confidence)
}

func TestResolve_BareCallPrefersTopLevel(t *testing.T) {
	xs, table := extractAll(t, map[string]string{
		"a.py": "def bar():\n    pass\n",
		"b.py": "class Widget:\n    def bar(self):\n        pass\n",
		"c.py": "def run():\n    bar()\n",
	})

	rels := Resolve(xs["c.py"], table)
	require.Len(t, rels, 1)
	assert.Equal(t, entityByName(t, xs["a.py"], types.KindFunction, "bar").ID, rels[0].TargetID)
	assert.Equal(t, types.ConfidenceExact, rels[0].Confidence)
}

func TestResolve_DeduplicatesEdges(t *testing.T) {
	xs, table := extractAll(t, map[string]string{
		"a.py": "def foo():\n    bar()\n    bar()\n",
		"b.py": "def bar():\n    pass\n",
	})
	assert.Len(t, Resolve(xs["a.py"], table), 1)
}

func TestSymbolTable_ResolveModule(t *testing.T) {
	_, table := extractAll(t, map[string]string{
		"x/utils.py":              "",
		"y/utils.py":              "",
		"x/main.py":               "",
		"src/com/foo/Bar.java":    "class Bar {}\n",
		"web/components/index.js": "",
	})

	mod, ok := table.ResolveModule("utils", "x.main")
	require.True(t, ok)
	assert.Equal(t, "x.utils", mod)

	_, ok = table.ResolveModule("utils", "z.main")
	assert.False(t, ok, "equally close candidates stay unresolved")

	mod, ok = table.ResolveModule("com.foo.Bar", "")
	require.True(t, ok)
	assert.Equal(t, "src.com.foo.Bar", mod)

	mod, ok = table.ResolveModule("web.components", "")
	require.True(t, ok)
	assert.Equal(t, "web.components.index", mod)

	_, ok = table.ResolveModule("", "")
	assert.False(t, ok)
	assert.Equal(t, 5, table.Modules())
}

func TestPathHelpers(t *testing.T) {
	assert.Equal(t, "pkg.util", resolvePythonRelative(".util", "pkg.main", false))
	assert.Equal(t, "pkg.util", resolvePythonRelative(".util", "pkg", true))
	assert.Equal(t, "util", resolvePythonRelative("..util", "pkg.main", false))
	assert.Equal(t, "os.path", resolvePythonRelative("os.path", "pkg.main", false))

	assert.Equal(t, "src.lib.util", resolveJSImport("../lib/util.js", "src/app/main.js"))
	assert.Equal(t, "react", resolveJSImport("react", "src/app/main.js"))

	assert.Equal(t, "b.bar", normalizeRustPath("crate::b::bar"))
	assert.Equal(t, "b", normalizeRustPath("super::super::b"))
	assert.Equal(t, "self", normalizeRustPath("self"))
}
