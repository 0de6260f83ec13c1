package stages

import (
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/zjrosen/quill/internal/research"
)

// Article is the document that flows from the writer to the publisher.
type Article struct {
	ID          string            `json:"id" yaml:"id"`
	Title       string            `json:"title" yaml:"title"`
	Topic       string            `json:"topic" yaml:"topic"`
	Body        string            `json:"body" yaml:"-"`
	WordCount   int               `json:"word_count" yaml:"word_count"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Keywords    []string          `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	Images      []Asset           `json:"images,omitempty" yaml:"images,omitempty"`
	Sources     []research.Source `json:"sources,omitempty" yaml:"sources,omitempty"`
	CreatedAt   time.Time         `json:"created_at" yaml:"created_at"`
}

// Markdown renders the title heading followed by the body.
func (a Article) Markdown() string {
	if a.Title == "" {
		return a.Body
	}
	return "# " + a.Title + "\n\n" + a.Body
}

// Sections returns the "## " headings of the body in order.
func (a Article) Sections() []string {
	var out []string
	for _, line := range strings.Split(a.Body, "\n") {
		if h, ok := strings.CutPrefix(strings.TrimSpace(line), "## "); ok {
			out = append(out, strings.TrimSpace(h))
		}
	}
	return out
}

// splitTitle separates a leading "# " heading from generated markdown.
func splitTitle(text string) (title, body string) {
	text = strings.TrimSpace(text)
	first, rest, _ := strings.Cut(text, "\n")
	if h, ok := strings.CutPrefix(strings.TrimSpace(first), "# "); ok {
		return strings.TrimSpace(h), strings.TrimSpace(rest)
	}
	return "", text
}

func countWords(s string) int {
	return len(strings.Fields(s))
}

// slug lowercases s and joins its alphanumeric runs with sep.
func slug(s, sep string) string {
	parts := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(parts, sep)
}

func articleID(topic string, at time.Time) string {
	return "article_" + slug(topic, "_") + "_" + at.UTC().Format("20060102_150405")
}

// firstParagraph returns the first non-heading paragraph, cut to max runes.
func firstParagraph(body string, max int) string {
	for _, para := range strings.Split(body, "\n\n") {
		para = strings.Join(strings.Fields(para), " ")
		if para == "" || strings.HasPrefix(para, "#") {
			continue
		}
		r := []rune(para)
		if len(r) > max {
			return strings.TrimSpace(string(r[:max-1])) + "…"
		}
		return para
	}
	return ""
}

var stopwords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`a about above after again all also am an and any are as at be because been
		before being below between both but by can could did do does doing down during each few for from
		further had has have having he her here hers him his how i if in into is it its itself just more most
		my no nor not now of off on once only or other our out over own same she should so some such than that
		the their them then there these they this those through to too under until up very was we were what
		when where which while who whom why will with would you your`) {
		stopwords[w] = struct{}{}
	}
}

// keywords ranks the most frequent non-stopwords of text. Topic words come
// first. Ties break alphabetically so the result is stable.
func keywords(topic, text string, max int) []string {
	counts := map[string]int{}
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	}) {
		w = strings.Trim(w, "-")
		if len(w) < 3 {
			continue
		}
		if _, stop := stopwords[w]; stop {
			continue
		}
		counts[w]++
	}

	var out []string
	seen := map[string]struct{}{}
	for _, w := range strings.Fields(slug(topic, " ")) {
		if _, stop := stopwords[w]; stop || len(w) < 2 {
			continue
		}
		if _, dup := seen[w]; !dup {
			seen[w] = struct{}{}
			out = append(out, w)
		}
	}

	ranked := make([]string, 0, len(counts))
	for w := range counts {
		if _, dup := seen[w]; !dup {
			ranked = append(ranked, w)
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if counts[ranked[i]] != counts[ranked[j]] {
			return counts[ranked[i]] > counts[ranked[j]]
		}
		return ranked[i] < ranked[j]
	})
	out = append(out, ranked...)
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out
}
