package workflow

import (
	"fmt"
	"os"
	"strings"

	"github.com/tiktoken-go/tokenizer"
)

// EmbeddedFiles is the bounded file context assembled for synthesis.
type EmbeddedFiles struct {
	// Content is the rendered file block, ready for prompt inclusion.
	Content string

	// Included lists the embedded file paths in priority order.
	Included []string

	// Warnings records every file dropped or truncated by the caps, so
	// overflow is observable in the result metadata instead of silent.
	Warnings []string

	// TokenEstimate approximates the token cost of Content.
	TokenEstimate int
}

// FileEmbedder assembles a bounded file context from the files referenced
// across an investigation. Priority order is the order given: most recently
// referenced first.
type FileEmbedder interface {
	Embed(files []string) EmbeddedFiles
}

// CapsEmbedder enforces two independent caps before any token-level
// truncation: a file-count cap, then a total-size cap that truncates the
// lowest-priority files first. Unbounded embedding has taken the daemon
// down before; both caps come from configuration.
type CapsEmbedder struct {
	MaxFiles      int
	MaxTotalBytes int

	// ReadFile is injectable for tests; defaults to os.ReadFile.
	ReadFile func(path string) ([]byte, error)

	enc tokenizer.Codec
}

// NewCapsEmbedder creates an embedder with the configured caps.
func NewCapsEmbedder(maxFiles, maxTotalBytes int) *CapsEmbedder {
	enc, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		enc = nil // fall back to the bytes/4 heuristic
	}
	return &CapsEmbedder{
		MaxFiles:      maxFiles,
		MaxTotalBytes: maxTotalBytes,
		ReadFile:      os.ReadFile,
		enc:           enc,
	}
}

// Embed renders the file block. files arrive in priority order.
func (e *CapsEmbedder) Embed(files []string) EmbeddedFiles {
	var out EmbeddedFiles

	keep := files
	if e.MaxFiles > 0 && len(files) > e.MaxFiles {
		keep = files[:e.MaxFiles]
		dropped := files[e.MaxFiles:]
		out.Warnings = append(out.Warnings, fmt.Sprintf(
			"file count cap (%d) exceeded, dropped %d files: %s",
			e.MaxFiles, len(dropped), strings.Join(dropped, ", ")))
	}

	type loaded struct {
		path    string
		content []byte
	}
	contents := make([]loaded, 0, len(keep))
	total := 0
	for _, path := range keep {
		data, err := e.ReadFile(path)
		if err != nil {
			out.Warnings = append(out.Warnings, fmt.Sprintf("could not read %s: %v", path, err))
			continue
		}
		contents = append(contents, loaded{path: path, content: data})
		total += len(data)
	}

	// Size cap: trim from the lowest-priority end first, truncating the
	// boundary file rather than dropping it outright when partial
	// content still fits.
	if e.MaxTotalBytes > 0 {
		for total > e.MaxTotalBytes && len(contents) > 0 {
			last := &contents[len(contents)-1]
			over := total - e.MaxTotalBytes
			if over >= len(last.content) {
				total -= len(last.content)
				out.Warnings = append(out.Warnings, fmt.Sprintf(
					"size cap (%d bytes) exceeded, dropped %s", e.MaxTotalBytes, last.path))
				contents = contents[:len(contents)-1]
				continue
			}
			kept := len(last.content) - over
			last.content = last.content[:kept]
			total -= over
			out.Warnings = append(out.Warnings, fmt.Sprintf(
				"size cap (%d bytes) exceeded, truncated %s to %d bytes",
				e.MaxTotalBytes, last.path, kept))
		}
	}

	var sb strings.Builder
	for _, c := range contents {
		fmt.Fprintf(&sb, "--- FILE: %s ---\n%s\n", c.path, c.content)
		out.Included = append(out.Included, c.path)
	}
	out.Content = sb.String()
	out.TokenEstimate = e.estimateTokens(out.Content)
	return out
}

func (e *CapsEmbedder) estimateTokens(s string) int {
	if e.enc != nil {
		if ids, _, err := e.enc.Encode(s); err == nil {
			return len(ids)
		}
	}
	return len(s) / 4
}
