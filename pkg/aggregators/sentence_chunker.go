package aggregators

import (
	"strings"
	"unicode"

	"github.com/harunnryd/voxturn/pkg/frames"
)

type ChunkerConfig struct {
	// MinRunes merges shorter sentences into the next one.
	MinRunes int
	// MaxRunes forces a split when no sentence boundary appears in time.
	MaxRunes      int
	Abbreviations []string
}

var defaultAbbreviations = []string{
	"Dr.", "Mr.", "Mrs.", "Ms.", "Jr.", "Sr.",
	"Prof.", "Rev.", "Gen.", "Col.", "Lt.", "Sgt.",
	"Inc.", "Ltd.", "Corp.", "Co.", "vs.", "etc.",
	"i.e.", "e.g.", "a.m.", "p.m.", "U.S.", "U.K.",
	"St.", "No.", "approx.",
}

// SentenceChunker re-chunks a token stream into speakable sentences. It is
// used for a single turn and is not safe for concurrent use.
type SentenceChunker struct {
	cfg    ChunkerConfig
	turnID string
	buf    []rune
	carry  string
	next   int
}

func NewSentenceChunker(turnID string, cfg ChunkerConfig) *SentenceChunker {
	if cfg.MinRunes <= 0 {
		cfg.MinRunes = 2
	}
	if cfg.MaxRunes <= 0 {
		cfg.MaxRunes = 240
	}
	if len(cfg.Abbreviations) == 0 {
		cfg.Abbreviations = defaultAbbreviations
	}
	return &SentenceChunker{cfg: cfg, turnID: turnID}
}

// Push appends a token and returns every sentence completed by it.
func (c *SentenceChunker) Push(token string) []frames.SentenceChunk {
	if token == "" {
		return nil
	}
	c.buf = append(c.buf, []rune(token)...)
	var out []frames.SentenceChunk
	for {
		cut := c.boundary()
		if cut < 0 && len(c.buf) > c.cfg.MaxRunes {
			cut = c.forcedSplit()
		}
		if cut < 0 {
			break
		}
		text := strings.TrimSpace(string(c.buf[:cut]))
		c.buf = trimLeftSpace(c.buf[cut:])
		if chunk, ok := c.emit(text, false); ok {
			out = append(out, chunk)
		}
	}
	return out
}

// Flush emits whatever text is still buffered as the final chunk of the turn.
func (c *SentenceChunker) Flush() []frames.SentenceChunk {
	text := strings.TrimSpace(string(c.buf))
	c.buf = nil
	if c.carry != "" {
		text = strings.TrimSpace(c.carry + " " + text)
		c.carry = ""
	}
	if text == "" {
		return nil
	}
	return []frames.SentenceChunk{c.chunk(text, true)}
}

// Emitted is the number of chunks produced so far.
func (c *SentenceChunker) Emitted() int { return c.next }

func (c *SentenceChunker) emit(text string, last bool) (frames.SentenceChunk, bool) {
	if c.carry != "" {
		text = c.carry + " " + text
		c.carry = ""
	}
	if text == "" {
		return frames.SentenceChunk{}, false
	}
	if len([]rune(text)) < c.cfg.MinRunes {
		c.carry = text
		return frames.SentenceChunk{}, false
	}
	return c.chunk(text, last), true
}

func (c *SentenceChunker) chunk(text string, last bool) frames.SentenceChunk {
	ch := frames.SentenceChunk{TurnID: c.turnID, Index: c.next, Text: text, Last: last}
	c.next++
	return ch
}

// boundary returns the rune offset just past the first complete sentence, or
// -1. A terminal at the very end of the buffer is not final yet because the
// next token may turn it into a decimal, an abbreviation or an ellipsis.
func (c *SentenceChunker) boundary() int {
	for i := 0; i < len(c.buf); i++ {
		r := c.buf[i]
		if r == '\n' {
			return i + 1
		}
		if !isTerminal(r) {
			continue
		}
		j := i + 1
		wide := isWideTerminal(r)
		for j < len(c.buf) && ((isTerminal(c.buf[j]) && c.buf[j] != '\n') || isCloser(c.buf[j])) {
			wide = wide || isWideTerminal(c.buf[j])
			j++
		}
		if wide {
			return j
		}
		if j == len(c.buf) {
			return -1
		}
		if !unicode.IsSpace(c.buf[j]) {
			i = j - 1
			continue
		}
		if c.buf[j-1] == '.' && c.guarded(i) {
			i = j - 1
			continue
		}
		return j
	}
	return -1
}

// guarded reports whether the period at i ends an abbreviation or an initial.
func (c *SentenceChunker) guarded(i int) bool {
	start := i
	for start > 0 && !unicode.IsSpace(c.buf[start-1]) {
		start--
	}
	word := string(c.buf[start : i+1])
	for _, abbr := range c.cfg.Abbreviations {
		if strings.EqualFold(word, abbr) {
			return true
		}
	}
	return i-start == 1 && unicode.IsUpper(c.buf[start])
}

// forcedSplit picks the last clause separator, then the last space, within
// MaxRunes.
func (c *SentenceChunker) forcedSplit() int {
	limit := c.cfg.MaxRunes
	if limit > len(c.buf) {
		limit = len(c.buf)
	}
	for i := limit - 1; i > 0; i-- {
		if isClauseSeparator(c.buf[i]) {
			return i + 1
		}
	}
	for i := limit - 1; i > 0; i-- {
		if unicode.IsSpace(c.buf[i]) {
			return i
		}
	}
	return limit
}

func isTerminal(r rune) bool {
	return r == '\n' || r == '…' || unicode.Is(unicode.Sentence_Terminal, r)
}

// isWideTerminal covers scripts that do not put a space after a sentence.
func isWideTerminal(r rune) bool {
	switch r {
	case '。', '！', '？', '｡', '︒', '．':
		return true
	}
	return false
}

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', '’', '”', '»', ')', ']', '}', '」', '』', '）':
		return true
	}
	return false
}

func isClauseSeparator(r rune) bool {
	switch r {
	case ',', ';', ':', '،', '、', '，', '；', '：', '—':
		return true
	}
	return false
}

func trimLeftSpace(rs []rune) []rune {
	i := 0
	for i < len(rs) && unicode.IsSpace(rs[i]) {
		i++
	}
	return rs[i:]
}
