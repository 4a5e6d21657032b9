package chunker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"time"

	"github.com/xxxsen/common/logutil"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gtext "github.com/yuin/goldmark/text"
	"go.uber.org/zap"

	"github.com/xxxsen/embedpipe/internal/model"
)

// Sizing is expressed in token-equivalent units, approximated as charCount/4.
type Sizing struct {
	MaxTokens     int
	OverlapTokens int
}

var defaultSizing = map[model.SourceType]Sizing{
	model.SourceTypeCode:          {MaxTokens: 400, OverlapTokens: 25},
	model.SourceTypeConversation:  {MaxTokens: 300, OverlapTokens: 75},
	model.SourceTypeToolResult:    {MaxTokens: 200, OverlapTokens: 20},
	model.SourceTypeLearning:      {MaxTokens: 500, OverlapTokens: 50},
	model.SourceTypeDocumentation: {MaxTokens: 800, OverlapTokens: 80},
}

var (
	codeBoundaryRe = regexp.MustCompile(`(?m)^[ \t]*(func |function |def |class |struct |interface |impl |fn |type \w+ |public |private |protected |module |package )`)
	speakerRe      = regexp.MustCompile(`(?mi)^(user|assistant|system|human|ai|h|a)[:>]`)
)

type Chunker struct {
	sizes map[model.SourceType]Sizing
}

// New builds a chunker with per-type sizing. Overrides replace the default
// sizing for the types they name; zero fields keep the default.
func New(overrides map[model.SourceType]Sizing) *Chunker {
	sizes := make(map[model.SourceType]Sizing, len(defaultSizing))
	for st, s := range defaultSizing {
		sizes[st] = s
	}
	for st, s := range overrides {
		base := sizes[st]
		if s.MaxTokens > 0 {
			base.MaxTokens = s.MaxTokens
		}
		if s.OverlapTokens > 0 {
			base.OverlapTokens = s.OverlapTokens
		}
		sizes[st] = base
	}
	return &Chunker{sizes: sizes}
}

func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Chunk splits text into bounded overlapping segments. Whitespace-only input
// yields no chunks and no error. The result is a pure function of the
// chunker's sizing and the input.
func (c *Chunker) Chunk(ctx context.Context, text string, contentType model.SourceType, base model.ChunkMetadata) []model.ContentChunk {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	sizing, ok := c.sizes[contentType]
	if !ok {
		sizing = defaultSizing[model.SourceTypeConversation]
	}
	maxChars := sizing.MaxTokens * 4
	overlapChars := sizing.OverlapTokens * 4

	var pieces []string
	if len(trimmed) <= maxChars {
		pieces = []string{trimmed}
	} else {
		segments := splitAtBoundaries(trimmed, contentType)
		if segments == nil {
			pieces = splitPlain(trimmed, maxChars, overlapChars)
		} else {
			pieces = packSegments(segments, maxChars, overlapChars)
		}
	}

	logutil.GetLogger(ctx).Debug("content chunked",
		zap.String("source_type", string(contentType)),
		zap.Int("input_chars", len(trimmed)),
		zap.Int("chunks", len(pieces)),
	)

	now := base.Timestamp
	if now == 0 {
		now = time.Now().UnixMilli()
	}
	chunks := make([]model.ContentChunk, 0, len(pieces))
	for i, piece := range pieces {
		meta := base
		meta.SourceType = contentType
		meta.ChunkIndex = i
		meta.TotalChunks = len(pieces)
		meta.Timestamp = now
		chunks = append(chunks, model.ContentChunk{
			Text:        piece,
			ContentHash: HashText(piece),
			Metadata:    meta,
		})
	}
	return chunks
}

// splitAtBoundaries cuts text at structural boundaries appropriate to the
// content type. Returns nil when no boundary strategy applies, handing off to
// the plain fallback chain.
func splitAtBoundaries(text string, contentType model.SourceType) []string {
	var offsets []int
	switch contentType {
	case model.SourceTypeCode:
		offsets = matchOffsets(codeBoundaryRe, text)
	case model.SourceTypeConversation:
		offsets = matchOffsets(speakerRe, text)
	case model.SourceTypeDocumentation:
		offsets = headingOffsets(text)
	default:
		return nil
	}
	if len(offsets) == 0 {
		return nil
	}
	if offsets[0] != 0 {
		offsets = append([]int{0}, offsets...)
	}
	segments := make([]string, 0, len(offsets))
	for i, start := range offsets {
		end := len(text)
		if i+1 < len(offsets) {
			end = offsets[i+1]
		}
		seg := strings.TrimSpace(text[start:end])
		if seg != "" {
			segments = append(segments, seg)
		}
	}
	if len(segments) < 2 {
		return nil
	}
	return segments
}

func matchOffsets(re *regexp.Regexp, text string) []int {
	locs := re.FindAllStringIndex(text, -1)
	offsets := make([]int, 0, len(locs))
	for _, loc := range locs {
		offsets = append(offsets, loc[0])
	}
	return offsets
}

// headingOffsets walks the markdown AST and returns the byte offset of each
// level-1/2 heading line.
func headingOffsets(text string) []int {
	source := []byte(text)
	md := goldmark.New()
	doc := md.Parser().Parse(gtext.NewReader(source))
	var offsets []int
	for node := doc.FirstChild(); node != nil; node = node.NextSibling() {
		heading, ok := node.(*ast.Heading)
		if !ok || (heading.Level != 1 && heading.Level != 2) {
			continue
		}
		if heading.Lines().Len() == 0 {
			continue
		}
		start := heading.Lines().At(0).Start
		// Segment start points past the "#" markers; rewind to line start.
		for start > 0 && source[start-1] != '\n' {
			start--
		}
		offsets = append(offsets, start)
	}
	return offsets
}

// packSegments greedily merges boundary segments up to maxChars. Oversized
// segments go through the plain fallback chain. An overlap tail of the
// previous chunk is carried into each subsequent chunk.
func packSegments(segments []string, maxChars, overlapChars int) []string {
	var out []string
	var current strings.Builder
	flush := func() {
		if current.Len() == 0 {
			return
		}
		out = append(out, current.String())
		current.Reset()
	}
	for _, seg := range segments {
		if len(seg) > maxChars {
			flush()
			out = append(out, splitPlain(seg, maxChars, overlapChars)...)
			continue
		}
		if current.Len() > 0 && current.Len()+len(seg)+2 > maxChars {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(seg)
	}
	flush()
	return withOverlap(out, overlapChars)
}

// splitPlain is the fallback chain: paragraphs, then lines, then raw character
// windows with a word-boundary search.
func splitPlain(text string, maxChars, overlapChars int) []string {
	parts := splitUnits(strings.Split(text, "\n\n"), maxChars)
	var out []string
	var current strings.Builder
	flush := func() {
		if current.Len() == 0 {
			return
		}
		out = append(out, current.String())
		current.Reset()
	}
	for _, part := range parts {
		if current.Len() > 0 && current.Len()+len(part)+2 > maxChars {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(part)
	}
	flush()
	return withOverlap(out, overlapChars)
}

// splitUnits reduces oversized paragraphs to lines and oversized lines to
// word-boundary character windows, leaving fitting units untouched.
func splitUnits(paragraphs []string, maxChars int) []string {
	var out []string
	for _, p := range paragraphs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if len(p) <= maxChars {
			out = append(out, p)
			continue
		}
		for _, line := range strings.Split(p, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if len(line) <= maxChars {
				out = append(out, line)
				continue
			}
			out = append(out, splitChars(line, maxChars)...)
		}
	}
	return out
}

func splitChars(text string, maxChars int) []string {
	var out []string
	for len(text) > maxChars {
		cut := maxChars
		// Look back for a word boundary, but never shrink below half a window.
		for cut > maxChars/2 && text[cut-1] != ' ' {
			cut--
		}
		if cut <= maxChars/2 {
			cut = maxChars
		}
		out = append(out, strings.TrimSpace(text[:cut]))
		text = strings.TrimSpace(text[cut:])
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}

// withOverlap prepends the tail of each previous chunk so cross-chunk context
// survives the split. The tail is snapped to a word boundary.
func withOverlap(pieces []string, overlapChars int) []string {
	if overlapChars <= 0 || len(pieces) < 2 {
		return pieces
	}
	out := make([]string, len(pieces))
	out[0] = pieces[0]
	for i := 1; i < len(pieces); i++ {
		tail := overlapTail(pieces[i-1], overlapChars)
		if tail == "" {
			out[i] = pieces[i]
			continue
		}
		out[i] = tail + "\n" + pieces[i]
	}
	return out
}

func overlapTail(text string, overlapChars int) string {
	if len(text) <= overlapChars {
		return text
	}
	tail := text[len(text)-overlapChars:]
	if idx := strings.IndexByte(tail, ' '); idx >= 0 && idx+1 < len(tail) {
		tail = tail[idx+1:]
	}
	return strings.TrimSpace(tail)
}
