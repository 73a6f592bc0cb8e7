// Package chunker divides source files into bounded chunks for embedding.
//
// Chunks follow structural boundaries: each top-level entity span becomes a
// chunk, and the lines between spans become file-owned chunks so that every
// line of a file is covered.
//
// # Basic Usage
//
//	c := chunker.New(chunker.DefaultOptions())
//	for chunk := range c.Chunk("pkg/server.go", text, spans) {
//	    fmt.Printf("Chunk: %d tokens, lines %d-%d\n",
//	        chunk.TokenCount, chunk.StartLine, chunk.EndLine)
//	}
//
// # Sizing
//
// Segments below MinTokens merge with the preceding sibling while the result
// stays within MaxTokens. Segments above MaxTokens are split into line
// windows that share Overlap of their lines with the next window. Files
// without spans are cut into windows of at most WindowLines lines.
//
// Token counts come from a TokenCounter. HeuristicCounter estimates one
// token per four bytes; TiktokenCounter uses a BPE encoding.
//
// Empty and binary input produces no chunks.
package chunker
