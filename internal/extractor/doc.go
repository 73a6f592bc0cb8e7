// Package extractor derives structural entities and relationships from
// source files.
//
// Go files are parsed with go/ast. Python, JavaScript, TypeScript, Java and
// Rust are parsed with tree-sitter grammars. Other files produce a File and
// a Module entity only.
//
// Extraction runs in two phases. Extract handles one file and emits the
// relationships visible inside it (CONTAINS, DEFINES) together with its
// unresolved imports and call sites. Once every file is extracted,
// NewSymbolTable builds an immutable index of all definitions and Resolve
// binds imports and calls against it, producing IMPORTS and CALLS edges.
//
//	ex := extractor.New(extractor.Options{GoModulePath: "example.com/app"})
//	xs := []*extractor.FileExtraction{
//	    ex.Extract(ctx, "a.py", aSrc),
//	    ex.Extract(ctx, "b.py", bSrc),
//	}
//	table := extractor.NewSymbolTable(xs)
//	for _, x := range xs {
//	    edges := extractor.Resolve(x, table)
//	    ...
//	}
//
// A file that fails to parse degrades to a single File entity with
// ParseFailed set in its metadata; Extract never returns an error.
package extractor
