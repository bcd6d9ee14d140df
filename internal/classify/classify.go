// Package classify assigns a primary intent, secondary tags, a
// confidence score and a sentiment to inbound text. It is a pure value
// function; the keyword tables come from configuration.
package classify

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/DanielMartinezSebastian/dras-whatsapp-bot-sub003/internal/config"
)

// Kind is a classification category.
type Kind string

const (
	KindCommand    Kind = "command"
	KindGreeting   Kind = "greeting"
	KindFarewell   Kind = "farewell"
	KindHelp       Kind = "help"
	KindQuestion   Kind = "question"
	KindContextual Kind = "contextual"
	KindUnknown    Kind = "unknown"
)

// Sentiment is the coarse tone of a message.
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	SentimentNeutral  Sentiment = "neutral"
)

// Classification is the classifier's verdict for one text.
type Classification struct {
	Primary    Kind
	Secondary  []Kind
	Confidence float64
	Sentiment  Sentiment
}

// IsCommand reports whether the text was a prefixed command.
func (c Classification) IsCommand() bool {
	return c.Primary == KindCommand
}

// Classifier matches folded text against folded keyword tables.
// Construct once; Classify is safe for concurrent use.
type Classifier struct {
	prefixes   []string
	greetings  []string
	farewells  []string
	questions  []string
	help       []string
	contextual []string
	positive   []string
	negative   []string
}

// New builds a classifier from the configured keyword tables and
// command prefixes. An empty prefix list falls back to "!" and "/".
func New(cfg config.ClassifierConfig, prefixes ...string) *Classifier {
	if len(prefixes) == 0 {
		prefixes = []string{"!", "/"}
	}
	return &Classifier{
		prefixes:   prefixes,
		greetings:  foldAll(cfg.Greetings),
		farewells:  foldAll(cfg.Farewells),
		questions:  foldAll(cfg.Questions),
		help:       foldAll(cfg.Help),
		contextual: foldAll(cfg.Contextual),
		positive:   foldAll(cfg.Positive),
		negative:   foldAll(cfg.Negative),
	}
}

var foldMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// fold lowercases and strips combining marks, so "Adiós" matches
// "adios".
func fold(s string) string {
	out, _, err := transform.String(foldMarks, strings.ToLower(s))
	if err != nil {
		return strings.ToLower(s)
	}
	return out
}

func foldAll(words []string) []string {
	out := make([]string, len(words))
	for i, w := range words {
		out[i] = fold(w)
	}
	return out
}

// Classify evaluates one text. Deterministic, no I/O.
func (c *Classifier) Classify(text string) Classification {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Classification{Primary: KindUnknown, Confidence: 0.5, Sentiment: SentimentNeutral}
	}

	for _, p := range c.prefixes {
		rest := strings.TrimPrefix(trimmed, p)
		if rest != trimmed && strings.TrimSpace(rest) != "" {
			return Classification{
				Primary:    KindCommand,
				Confidence: 0.95,
				Sentiment:  c.sentiment(fold(trimmed)),
			}
		}
	}

	folded := fold(trimmed)
	tokens := tokenize(folded)

	// Groups checked in fixed priority order so that ties resolve
	// greeting > farewell > help > question.
	groups := []struct {
		kind  Kind
		words []string
	}{
		{KindGreeting, c.greetings},
		{KindFarewell, c.farewells},
		{KindHelp, c.help},
		{KindQuestion, c.questions},
	}

	var (
		primary   = KindUnknown
		secondary []Kind
		best      int
		matched   int
	)
	for _, g := range groups {
		n := countMatches(folded, tokens, g.words)
		if n == 0 {
			continue
		}
		matched += n
		secondary = append(secondary, g.kind)
		if n > best {
			best = n
			primary = g.kind
		}
	}

	if primary == KindUnknown {
		if n := countMatches(folded, tokens, c.contextual); n > 0 {
			primary = KindContextual
			matched = n
		}
	}

	conf := 0.5
	if len(tokens) > 0 && matched > 0 {
		conf = clip(float64(matched)/float64(len(tokens)), 0.5, 0.95)
	}

	return Classification{
		Primary:    primary,
		Secondary:  secondary,
		Confidence: conf,
		Sentiment:  c.sentiment(folded),
	}
}

func (c *Classifier) sentiment(folded string) Sentiment {
	tokens := tokenize(folded)
	pos := countMatches(folded, tokens, c.positive)
	neg := countMatches(folded, tokens, c.negative)
	switch {
	case pos > neg:
		return SentimentPositive
	case neg > pos:
		return SentimentNegative
	default:
		return SentimentNeutral
	}
}

// tokenize splits folded text into letter/digit runs.
func tokenize(folded string) []string {
	return strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// countMatches counts keywords that fire. Single words match whole
// tokens; phrases and punctuation marks match as substrings.
func countMatches(folded string, tokens []string, words []string) int {
	n := 0
	for _, w := range words {
		if w == "" {
			continue
		}
		if isWordKeyword(w) {
			for _, t := range tokens {
				if t == w {
					n++
					break
				}
			}
			continue
		}
		if strings.Contains(folded, w) {
			n++
		}
	}
	return n
}

func isWordKeyword(w string) bool {
	for _, r := range w {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
