package extractor

import (
	"sort"
	"strings"

	"github.com/dshills/coderag/pkg/types"
)

// Resolve derives the cross-file relationships of one extraction against a
// symbol table: Module IMPORTS Module for resolvable imports, CALLS for call
// sites and Class CONTAINS method for methods declared apart from their type.
//
// A call binds with confidence 1.0 when its target is known exactly: a
// definition in the same module or class, a name bound by an import, or the
// only definition of that name in the repository. When several definitions
// match by name alone, each gets an edge with confidence 0.5. Calls with no
// candidate produce no edge.
//
// Bare calls prefer top-level definitions over methods. A single top-level
// function binds with confidence 1.0 however many methods share its name;
// methods are only considered when no top-level definition exists.
func Resolve(x *FileExtraction, t *SymbolTable) []types.Relationship {
	if x == nil || x.ParseFailed || t == nil {
		return nil
	}

	r := &resolver{x: x, t: t, edges: make(map[string]types.Relationship)}

	if mod, ok := x.ModuleEntity(); ok {
		for _, imp := range x.Imports {
			target, ok := t.resolveModule(imp.Path, x.Module, !imp.Speculative)
			if !ok || target == x.Module {
				continue
			}
			if me, ok := t.ModuleEntity(target); ok {
				r.add(mod.ID, me.ID, types.RelImports, types.ConfidenceExact)
			}
		}
	}

	for _, m := range x.Members {
		if owner, ok := r.resolveOwner(m); ok {
			r.add(owner.ID, m.EntityID, types.RelContains, types.ConfidenceExact)
		}
	}

	for _, c := range x.Calls {
		targets, confidence := r.resolveCall(c)
		for _, target := range targets {
			r.add(c.CallerID, target.ID, types.RelCalls, confidence)
		}
	}

	out := make([]types.Relationship, 0, len(r.edges))
	for _, e := range r.edges {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

type resolver struct {
	x     *FileExtraction
	t     *SymbolTable
	edges map[string]types.Relationship
}

func (r *resolver) add(source, target string, kind types.RelationKind, confidence float64) {
	rel := types.Relationship{SourceID: source, TargetID: target, Kind: kind, Confidence: confidence}
	if prev, ok := r.edges[rel.Key()]; ok && prev.Confidence >= confidence {
		return
	}
	r.edges[rel.Key()] = rel
}

// resolveOwner finds the Class a detached method belongs to: the type of
// that name in the same module, or one bound by an import
func (r *resolver) resolveOwner(m Member) (types.Entity, bool) {
	if owner, ok := onlyClass(r.t.Lookup(m.Scope)); ok {
		return owner, true
	}
	for _, imp := range r.x.Imports {
		orig, ok := imp.Names[m.TypeName]
		if !ok {
			continue
		}
		if mod, ok := r.t.resolveModule(imp.Path, r.x.Module, !imp.Speculative); ok {
			return onlyClass(r.t.Lookup(mod + "." + orig))
		}
	}
	return types.Entity{}, false
}

// onlyClass returns the single Class among hits
func onlyClass(hits []types.Entity) (types.Entity, bool) {
	var found []types.Entity
	for _, e := range hits {
		if e.Kind == types.KindClass {
			found = append(found, e)
		}
	}
	if len(found) != 1 {
		return types.Entity{}, false
	}
	return found[0], true
}

func (r *resolver) resolveCall(c Call) ([]types.Entity, float64) {
	if c.SelfScope != "" {
		if hits := r.t.Lookup(c.SelfScope + "." + c.Name); len(hits) > 0 {
			return hits, types.ConfidenceExact
		}
	}
	if c.Qualifier == "" {
		return r.resolveBare(c)
	}
	return r.resolveQualified(c)
}

// resolveBare handles name(...)
func (r *resolver) resolveBare(c Call) ([]types.Entity, float64) {
	if hits := r.t.Lookup(r.x.Module + "." + c.Name); len(hits) > 0 {
		return hits, types.ConfidenceExact
	}

	for _, imp := range r.x.Imports {
		orig, ok := imp.Names[c.Name]
		if !ok {
			continue
		}
		mod, ok := r.t.resolveModule(imp.Path, r.x.Module, !imp.Speculative)
		if !ok {
			// Imported from outside the repository
			return nil, 0
		}
		if hits := r.t.Lookup(mod + "." + orig); len(hits) > 0 {
			return hits, types.ConfidenceExact
		}
		return candidates(r.t.InModule(mod, orig))
	}

	return candidates(r.t.ByName(c.Name, true))
}

// resolveQualified handles qualifier.name(...)
func (r *resolver) resolveQualified(c Call) ([]types.Entity, float64) {
	q := c.Qualifier

	for _, imp := range r.x.Imports {
		if imp.Alias == "" {
			continue
		}
		var modPath string
		switch {
		case q == imp.Alias:
			modPath = imp.Path
		case strings.HasPrefix(q, imp.Alias+"."):
			modPath = imp.Path + q[len(imp.Alias):]
		default:
			continue
		}
		mod, ok := r.t.resolveModule(modPath, r.x.Module, !imp.Speculative)
		if !ok {
			if imp.Speculative {
				continue
			}
			return nil, 0
		}
		return candidates(r.t.InModule(mod, c.Name))
	}

	// Static call on a class of this module or one imported by name
	if hits := r.t.Lookup(r.x.Module + "." + q + "." + c.Name); len(hits) > 0 {
		return hits, types.ConfidenceExact
	}
	for _, imp := range r.x.Imports {
		orig, ok := imp.Names[q]
		if !ok {
			continue
		}
		if mod, ok := r.t.resolveModule(imp.Path, r.x.Module, !imp.Speculative); ok {
			if hits := r.t.Lookup(mod + "." + orig + "." + c.Name); len(hits) > 0 {
				return hits, types.ConfidenceExact
			}
		}
	}

	// Rust paths name modules directly
	if r.x.Language == LangRust {
		if mod, ok := r.t.ResolveModule(q, r.x.Module); ok {
			return candidates(r.t.InModule(mod, c.Name))
		}
	}

	return candidates(r.t.ByName(c.Name, false))
}

func candidates(hits []types.Entity) ([]types.Entity, float64) {
	switch len(hits) {
	case 0:
		return nil, 0
	case 1:
		return hits, types.ConfidenceExact
	}
	return hits, types.ConfidenceNameOnly
}
