package ingest

import (
	"strings"
	"unicode/utf8"
)

// ChunkConfig controls the recursive character splitter.
type ChunkConfig struct {
	// ChunkSize is the target chunk length in characters.
	ChunkSize int `yaml:"chunk_size"`
	// ChunkOverlap is how many trailing characters of a chunk repeat at the
	// start of the next one.
	ChunkOverlap int `yaml:"chunk_overlap"`
	// MinChunkSize drops fragments smaller than this.
	MinChunkSize int `yaml:"min_chunk_size"`
}

// DefaultChunkConfig returns the standard splitting parameters.
func DefaultChunkConfig() ChunkConfig {
	return ChunkConfig{ChunkSize: 1000, ChunkOverlap: 200, MinChunkSize: 100}
}

// DefaultSeparators is the split hierarchy, largest semantic unit first.
var DefaultSeparators = []string{
	"\n\n", // paragraph break
	"\n",   // line break
	". ",   // sentence end
	"? ",
	"! ",
	"; ",
	", ",
	" ",
	"", // character, last resort
}

// MarkdownSeparators prefers heading boundaries before falling back to the
// plain-text hierarchy.
var MarkdownSeparators = []string{
	"\n## ",
	"\n### ",
	"\n#### ",
	"\n\n",
	"\n",
	". ",
	" ",
	"",
}

// Chunk is one split piece with its token estimate.
type Chunk struct {
	Text       string
	TokenCount int
}

// Splitter recursively splits text on a separator hierarchy and overlaps
// adjacent chunks.
type Splitter struct {
	cfg        ChunkConfig
	separators []string
	counter    TokenCounter
}

// NewSplitter builds a splitter. Zero config fields take defaults; an
// overlap at or above the chunk size collapses to a fifth of it.
func NewSplitter(cfg ChunkConfig, separators []string, counter TokenCounter) *Splitter {
	def := DefaultChunkConfig()
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.ChunkOverlap < 0 {
		cfg.ChunkOverlap = def.ChunkOverlap
	}
	if cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = cfg.ChunkSize / 5
	}
	if cfg.MinChunkSize <= 0 {
		cfg.MinChunkSize = def.MinChunkSize
	}
	if len(separators) == 0 {
		separators = DefaultSeparators
	}
	if counter == nil {
		counter = SimpleCounter{}
	}
	return &Splitter{cfg: cfg, separators: separators, counter: counter}
}

// Split chunks the text. Returns nil for blank input.
func (s *Splitter) Split(text string) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	raw := s.splitText(text, s.separators)
	merged := s.applyOverlap(raw)

	chunks := make([]Chunk, 0, len(merged))
	for _, c := range merged {
		chunks = append(chunks, Chunk{Text: c, TokenCount: s.counter.Count(c)})
	}
	return chunks
}

// splitText splits on the first separator present, accumulating pieces up to
// the chunk size and recursing into pieces that are still too large.
func (s *Splitter) splitText(text string, separators []string) []string {
	if text == "" {
		return nil
	}
	if len(text) <= s.cfg.ChunkSize {
		return s.keep(nil, text)
	}

	separator := ""
	rest := separators
	for i, sep := range separators {
		if sep == "" || strings.Contains(text, sep) {
			separator = sep
			rest = separators[i+1:]
			break
		}
	}

	var splits []string
	if separator == "" {
		// Character-level last resort: hard slices of chunk size, snapped
		// back so the cut never lands inside a multi-byte rune.
		for len(text) > 0 {
			n := s.cfg.ChunkSize
			if n > len(text) {
				n = len(text)
			}
			for n > 0 && n < len(text) && !utf8.RuneStart(text[n]) {
				n--
			}
			if n == 0 {
				_, n = utf8.DecodeRuneInString(text)
			}
			splits = append(splits, text[:n])
			text = text[n:]
		}
	} else {
		parts := strings.Split(text, separator)
		// Separators stay attached to the preceding piece so chunk
		// boundaries read naturally.
		for i, p := range parts {
			if i < len(parts)-1 {
				p += separator
			}
			if p != "" {
				splits = append(splits, p)
			}
		}
	}

	var (
		out     []string
		current strings.Builder
	)
	flush := func() {
		if current.Len() > 0 {
			out = s.keep(out, current.String())
			current.Reset()
		}
	}
	for _, piece := range splits {
		if len(piece) > s.cfg.ChunkSize {
			flush()
			out = append(out, s.splitText(piece, rest)...)
			continue
		}
		if current.Len() > 0 && current.Len()+len(piece) > s.cfg.ChunkSize {
			flush()
		}
		current.WriteString(piece)
	}
	flush()
	return out
}

// keep trims a candidate chunk and drops fragments under the minimum size.
func (s *Splitter) keep(out []string, candidate string) []string {
	candidate = strings.TrimSpace(candidate)
	if len(candidate) < s.cfg.MinChunkSize {
		return out
	}
	return append(out, candidate)
}

// applyOverlap prefixes each chunk after the first with the tail of its
// predecessor, snapped to a word boundary.
func (s *Splitter) applyOverlap(chunks []string) []string {
	if s.cfg.ChunkOverlap <= 0 || len(chunks) < 2 {
		return chunks
	}
	out := make([]string, len(chunks))
	out[0] = chunks[0]
	for i := 1; i < len(chunks); i++ {
		prev := chunks[i-1]
		tail := prev
		if len(prev) > s.cfg.ChunkOverlap {
			cut := len(prev) - s.cfg.ChunkOverlap
			for cut < len(prev) && !utf8.RuneStart(prev[cut]) {
				cut++
			}
			tail = prev[cut:]
			if sp := strings.IndexByte(tail, ' '); sp >= 0 {
				tail = tail[sp+1:]
			}
		}
		if tail != "" {
			out[i] = tail + " " + chunks[i]
		} else {
			out[i] = chunks[i]
		}
	}
	return out
}
