// Package indexer walks the project source tree, splits files into
// AST-aligned chunks, and keeps the vector index current through a
// filesystem watcher. Chunk boundaries come from tree-sitter for the
// supported languages; everything else falls back to fixed line windows.
package indexer

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/rust"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"oakci/internal/logging"
	"oakci/internal/types"
)

// Chunker splits source files into embeddable chunks.
type Chunker struct {
	maxLines int
	parser   *sitter.Parser
}

// ChunkStats summarizes one file's chunking outcome.
type ChunkStats struct {
	Language  string
	ASTChunks int
	LineFalls int
}

// NewChunker creates a chunker with the given maximum chunk size in lines.
func NewChunker(maxLines int) *Chunker {
	if maxLines <= 0 {
		maxLines = 120
	}
	return &Chunker{maxLines: maxLines, parser: sitter.NewParser()}
}

// Close releases the tree-sitter parser.
func (c *Chunker) Close() {
	c.parser.Close()
}

// languageFor maps a file extension to its tree-sitter language and the node
// types that become chunk boundaries.
func languageFor(path string) (*sitter.Language, []string, string) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return golang.GetLanguage(), []string{"function_declaration", "method_declaration", "type_declaration"}, "go"
	case ".py":
		return python.GetLanguage(), []string{"function_definition", "class_definition"}, "python"
	case ".rs":
		return rust.GetLanguage(), []string{"function_item", "impl_item", "struct_item", "enum_item", "trait_item"}, "rust"
	case ".js", ".jsx", ".mjs", ".cjs":
		return javascript.GetLanguage(), []string{"function_declaration", "class_declaration", "method_definition", "lexical_declaration"}, "javascript"
	case ".ts", ".tsx":
		return typescript.GetLanguage(), []string{"function_declaration", "class_declaration", "method_definition", "interface_declaration", "lexical_declaration"}, "typescript"
	}
	return nil, nil, ""
}

// ChunkFile splits content into chunks. Supported languages chunk at
// top-level declaration boundaries; oversized declarations and unsupported
// files fall back to line windows.
func (c *Chunker) ChunkFile(path string, content []byte) ([]*types.CodeChunk, *ChunkStats, error) {
	lang, boundaries, langName := languageFor(path)
	stats := &ChunkStats{Language: langName}

	if lang == nil {
		chunks := c.chunkByLines(path, string(content), "", 1)
		stats.LineFalls = len(chunks)
		return chunks, stats, nil
	}

	c.parser.SetLanguage(lang)
	tree, err := c.parser.ParseCtx(context.Background(), nil, content)
	if err != nil {
		logging.IndexerDebug("Parse failed for %s, using line fallback: %v", filepath.Base(path), err)
		chunks := c.chunkByLines(path, string(content), "", 1)
		stats.LineFalls = len(chunks)
		return chunks, stats, nil
	}
	defer tree.Close()

	boundarySet := make(map[string]bool, len(boundaries))
	for _, b := range boundaries {
		boundarySet[b] = true
	}

	var chunks []*types.CodeChunk
	text := string(content)
	root := tree.RootNode()
	for i := 0; i < int(root.NamedChildCount()); i++ {
		node := root.NamedChild(i)
		if !boundarySet[node.Type()] {
			continue
		}
		startLine := int(node.StartPoint().Row) + 1
		endLine := int(node.EndPoint().Row) + 1
		name := declarationName(node, content)
		snippet := node.Content(content)

		if endLine-startLine+1 > c.maxLines {
			// Oversized declaration: window it, keeping the name prefix.
			windows := c.chunkByLines(path, snippet, name, startLine)
			chunks = append(chunks, windows...)
			stats.LineFalls += len(windows)
			continue
		}
		chunks = append(chunks, newChunk(path, name, chunkTypeFor(node.Type()), langName, snippet, startLine, endLine))
		stats.ASTChunks++
	}

	if len(chunks) == 0 {
		// No recognized declarations (scripts, config-like code files).
		chunks = c.chunkByLines(path, text, "", 1)
		stats.LineFalls = len(chunks)
	}
	return chunks, stats, nil
}

func chunkTypeFor(nodeType string) string {
	switch nodeType {
	case "function_declaration", "function_definition", "function_item", "lexical_declaration":
		return "function"
	case "method_declaration", "method_definition":
		return "method"
	case "class_definition", "class_declaration", "impl_item", "struct_item", "enum_item",
		"trait_item", "interface_declaration", "type_declaration":
		return "class"
	}
	return "module"
}

// declarationName pulls the identifier out of a declaration node. Falls back
// to the first named child's text for node types without a name field.
func declarationName(node *sitter.Node, content []byte) string {
	if nameNode := node.ChildByFieldName("name"); nameNode != nil {
		return nameNode.Content(content)
	}
	// type_declaration wraps type_spec; impl_item names its type field.
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		if nameNode := child.ChildByFieldName("name"); nameNode != nil {
			return nameNode.Content(content)
		}
	}
	return ""
}

// chunkByLines windows content into fixed-size line chunks starting at
// baseLine, labelling each as a "lines" chunk.
func (c *Chunker) chunkByLines(path, content, name string, baseLine int) []*types.CodeChunk {
	lines := strings.Split(content, "\n")
	var chunks []*types.CodeChunk
	for start := 0; start < len(lines); start += c.maxLines {
		end := start + c.maxLines
		if end > len(lines) {
			end = len(lines)
		}
		snippet := strings.Join(lines[start:end], "\n")
		if strings.TrimSpace(snippet) == "" {
			continue
		}
		chunkName := name
		if chunkName != "" && start > 0 {
			chunkName = fmt.Sprintf("%s (cont.)", name)
		}
		chunks = append(chunks, newChunk(path, chunkName, "lines", "",
			snippet, baseLine+start, baseLine+end-1))
	}
	return chunks
}

func newChunk(path, name, chunkType, language, content string, startLine, endLine int) *types.CodeChunk {
	return &types.CodeChunk{
		ID:          types.ContentHash(fmt.Sprintf("%s:%d:%d:%s", path, startLine, endLine, name))[:32],
		FilePath:    path,
		StartLine:   startLine,
		EndLine:     endLine,
		ChunkType:   chunkType,
		Name:        name,
		Content:     content,
		ContentHash: types.ContentHash(content),
		DocType:     ClassifyDocType(path),
		Language:    language,
	}
}
