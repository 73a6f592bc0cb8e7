package extractor

import (
	"sort"
	"strings"

	"github.com/dshills/coderag/pkg/types"
)

// SymbolTable is an immutable, repository-wide index of definitions. It is
// built once per ingestion run and is safe for concurrent reads.
type SymbolTable struct {
	byQName  map[string][]types.Entity
	byName   map[string][]definition
	byModule map[string]map[string][]types.Entity // module -> bare name -> defs

	modules  map[string][]types.Entity // module -> Module entities, ordered by path
	bySuffix map[string][]string       // dotted suffix -> module names
}

type definition struct {
	entity   types.Entity
	topLevel bool
}

// NewSymbolTable indexes the definitions of every extraction
func NewSymbolTable(extractions []*FileExtraction) *SymbolTable {
	t := &SymbolTable{
		byQName:  make(map[string][]types.Entity),
		byName:   make(map[string][]definition),
		byModule: make(map[string]map[string][]types.Entity),
		modules:  make(map[string][]types.Entity),
		bySuffix: make(map[string][]string),
	}

	for _, x := range extractions {
		if x == nil || x.ParseFailed {
			continue
		}
		if mod, ok := x.ModuleEntity(); ok {
			if _, seen := t.modules[x.Module]; !seen {
				t.indexModuleName(x.Module)
			}
			t.modules[x.Module] = append(t.modules[x.Module], mod)
		}

		for _, def := range x.Definitions() {
			qname := def.QualifiedName()
			t.byQName[qname] = append(t.byQName[qname], def)
			t.byName[def.Name] = append(t.byName[def.Name], definition{
				entity:   def,
				topLevel: qname == x.Module+"."+def.Name,
			})
			names := t.byModule[x.Module]
			if names == nil {
				names = make(map[string][]types.Entity)
				t.byModule[x.Module] = names
			}
			names[def.Name] = append(names[def.Name], def)
		}
	}

	for _, mods := range t.modules {
		sort.Slice(mods, func(i, j int) bool { return mods[i].FilePath < mods[j].FilePath })
	}
	for _, list := range t.byQName {
		sortEntities(list)
	}
	for _, defs := range t.byName {
		sort.Slice(defs, func(i, j int) bool { return defs[i].entity.ID < defs[j].entity.ID })
	}
	for _, names := range t.byModule {
		for _, list := range names {
			sortEntities(list)
		}
	}
	for _, list := range t.bySuffix {
		sort.Strings(list)
	}
	return t
}

func (t *SymbolTable) indexModuleName(module string) {
	parts := strings.Split(module, ".")
	for i := 1; i < len(parts); i++ {
		suffix := strings.Join(parts[i:], ".")
		t.bySuffix[suffix] = append(t.bySuffix[suffix], module)
	}
}

func sortEntities(list []types.Entity) {
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
}

// Lookup returns the definitions with an exact qualified name
func (t *SymbolTable) Lookup(qname string) []types.Entity {
	return t.byQName[qname]
}

// ByName returns definitions with a bare name. topLevel selects module-level
// definitions (true) or members of classes and functions (false); when no
// definition of the requested kind exists, all definitions are returned.
func (t *SymbolTable) ByName(name string, topLevel bool) []types.Entity {
	defs := t.byName[name]
	var preferred, all []types.Entity
	for _, d := range defs {
		all = append(all, d.entity)
		if d.topLevel == topLevel {
			preferred = append(preferred, d.entity)
		}
	}
	if len(preferred) > 0 {
		return preferred
	}
	return all
}

// InModule returns the definitions of a module with a bare name
func (t *SymbolTable) InModule(module, name string) []types.Entity {
	return t.byModule[module][name]
}

// ModuleEntity returns the canonical Module entity of a module: the one of
// the first file by path
func (t *SymbolTable) ModuleEntity(module string) (types.Entity, bool) {
	mods := t.modules[module]
	if len(mods) == 0 {
		return types.Entity{}, false
	}
	return mods[0], true
}

// ResolveModule maps an import path to a module of the repository. An exact
// name wins; otherwise modules whose name ends with the path, or whose name
// the path ends with, are candidates. Ties go to the candidate sharing the
// longest prefix with fromModule; a remaining tie is unresolved.
func (t *SymbolTable) ResolveModule(importPath, fromModule string) (string, bool) {
	return t.resolveModule(importPath, fromModule, true)
}

func (t *SymbolTable) resolveModule(importPath, fromModule string, allowShorter bool) (string, bool) {
	if importPath == "" {
		return "", false
	}
	for _, exact := range []string{importPath, importPath + ".index"} {
		if _, ok := t.modules[exact]; ok {
			return exact, true
		}
	}

	candidates := append([]string(nil), t.bySuffix[importPath]...)
	parts := strings.Split(importPath, ".")
	for i := 1; allowShorter && i < len(parts); i++ {
		suffix := strings.Join(parts[i:], ".")
		if _, ok := t.modules[suffix]; ok {
			candidates = append(candidates, suffix)
		}
	}

	switch len(candidates) {
	case 0:
		return "", false
	case 1:
		return candidates[0], true
	}

	best, bestScore, tied := "", -1, false
	for _, c := range candidates {
		score := commonPrefixSegments(c, fromModule)
		switch {
		case score > bestScore:
			best, bestScore, tied = c, score, false
		case score == bestScore && c != best:
			tied = true
		}
	}
	if tied {
		return "", false
	}
	return best, true
}

// Len returns the number of indexed definitions
func (t *SymbolTable) Len() int {
	n := 0
	for _, list := range t.byQName {
		n += len(list)
	}
	return n
}

// Modules returns the number of indexed modules
func (t *SymbolTable) Modules() int {
	return len(t.modules)
}

func commonPrefixSegments(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	n := 0
	for n < len(as) && n < len(bs) && as[n] == bs[n] {
		n++
	}
	return n
}
