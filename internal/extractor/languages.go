package extractor

import (
	"path/filepath"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/java"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/rust"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	ts "github.com/smacker/go-tree-sitter/typescript/typescript"
)

// Canonical language names
const (
	LangGo         = "go"
	LangPython     = "python"
	LangJavaScript = "javascript"
	LangTypeScript = "typescript"
	LangTSX        = "tsx"
	LangJava       = "java"
	LangRust       = "rust"
)

// extToLanguage maps file extensions to canonical language names
var extToLanguage = map[string]string{
	".go":   LangGo,
	".py":   LangPython,
	".pyi":  LangPython,
	".js":   LangJavaScript,
	".jsx":  LangJavaScript,
	".mjs":  LangJavaScript,
	".cjs":  LangJavaScript,
	".ts":   LangTypeScript,
	".mts":  LangTypeScript,
	".tsx":  LangTSX,
	".java": LangJava,
	".rs":   LangRust,
}

// Grammars are initialized on first use
var (
	langToGrammar map[string]*sitter.Language
	grammarsOnce  sync.Once
)

func initGrammars() {
	grammarsOnce.Do(func() {
		langToGrammar = map[string]*sitter.Language{
			LangPython:     python.GetLanguage(),
			LangJavaScript: javascript.GetLanguage(),
			LangTypeScript: ts.GetLanguage(),
			LangTSX:        tsx.GetLanguage(),
			LangJava:       java.GetLanguage(),
			LangRust:       rust.GetLanguage(),
		}
	})
}

// LanguageForFile returns the canonical language of a file, or "" when the
// extension is not recognized
func LanguageForFile(path string) string {
	return extToLanguage[strings.ToLower(filepath.Ext(path))]
}

// grammarFor returns the tree-sitter grammar of a language
func grammarFor(lang string) (*sitter.Language, bool) {
	initGrammars()
	l, ok := langToGrammar[lang]
	return l, ok
}

// SupportedLanguages lists the languages with structural extraction
func SupportedLanguages() []string {
	return []string{LangGo, LangPython, LangJavaScript, LangTypeScript, LangTSX, LangJava, LangRust}
}
