package sources

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	citationRe   = regexp.MustCompile(`\[(\d{1,3})\]`)
	referencesRe = regexp.MustCompile(`(?im)^\s*(#{1,6}\s*)?(\*\*)?(references|sources):?(\*\*)?\s*:?\s*$`)
	wordRe       = regexp.MustCompile(`[\p{L}\p{N}]+`)
	markerRunRe  = regexp.MustCompile(`[ \t]*(\[\d{1,3}\])+`)
)

var stopwords = map[string]bool{
	"about": true, "after": true, "also": true, "and": true, "are": true, "from": true,
	"have": true, "home": true, "into": true, "more": true, "news": true, "page": true,
	"that": true, "their": true, "there": true, "this": true, "what": true, "when": true,
	"which": true, "with": true, "your": true, "www": true, "http": true, "https": true,
}

var genericHostLabels = map[string]bool{
	"com": true, "org": true, "net": true, "edu": true, "gov": true, "io": true,
	"co": true, "uk": true, "en": true, "www": true, "m": true, "blog": true, "docs": true,
}

// HasCitations reports whether text contains any [n] marker
func HasCitations(text string) bool {
	return citationRe.MatchString(text)
}

// StripCitations removes [n] markers from text. Brackets directly after an
// identifier, such as xs[0], are kept.
func StripCitations(text string) string {
	var b strings.Builder
	last := 0
	for _, loc := range markerRunRe.FindAllStringIndex(text, -1) {
		bracket := loc[0] + strings.IndexByte(text[loc[0]:loc[1]], '[')
		if bracket == loc[0] && bracket > 0 && isIdentByte(text[bracket-1]) {
			continue
		}
		b.WriteString(text[last:loc[0]])
		last = loc[1]
	}
	b.WriteString(text[last:])
	return b.String()
}

// Cite replaces markers in an answer written without knowledge of source ids
// with markers matched to sources, then appends the references block
func Cite(answer string, sources []Source) string {
	if len(sources) == 0 {
		return answer
	}
	return Format(StripCitations(answer), sources)
}

// InjectCitations adds [n] markers to an answer that has none. Each factual
// paragraph gets the sources whose domain or title keywords it mentions, or a
// round-robin source when none match. Sources cited nowhere are attached to
// the last factual paragraph. Answers that already cite are returned as is.
func InjectCitations(answer string, sources []Source) string {
	if len(sources) == 0 || HasCitations(answer) {
		return answer
	}

	paragraphs := strings.Split(answer, "\n\n")
	factual := factualParagraphs(paragraphs)
	if len(factual) == 0 {
		return answer
	}

	keywords := make([]map[string]bool, len(sources))
	for i, src := range sources {
		keywords[i] = sourceKeywords(src)
	}

	cited := make(map[int]bool, len(sources))
	markers := make(map[int][]int, len(factual))
	next := 0
	for _, pi := range factual {
		words := wordSet(paragraphs[pi])
		for si := range sources {
			if overlaps(words, keywords[si]) {
				markers[pi] = append(markers[pi], sources[si].ID)
				cited[sources[si].ID] = true
			}
		}
		if len(markers[pi]) == 0 {
			id := sources[next%len(sources)].ID
			next++
			markers[pi] = []int{id}
			cited[id] = true
		}
	}

	last := factual[len(factual)-1]
	for _, src := range sources {
		if !cited[src.ID] {
			markers[last] = append(markers[last], src.ID)
		}
	}

	for pi, ids := range markers {
		paragraphs[pi] = appendMarkers(paragraphs[pi], ids)
	}
	return strings.Join(paragraphs, "\n\n")
}

// AppendReferences adds a "## References" block listing every source,
// unless the answer already has a references section or there are no sources.
func AppendReferences(answer string, sources []Source) string {
	if len(sources) == 0 || referencesRe.MatchString(answer) {
		return answer
	}
	var b strings.Builder
	b.WriteString(strings.TrimRight(answer, "\n "))
	b.WriteString("\n\n## References\n\n")
	for _, src := range sources {
		b.WriteString(fmt.Sprintf("[%d] %s: %s\n", src.ID, src.Label(), src.URL))
	}
	return strings.TrimRight(b.String(), "\n")
}

// Format injects citations and appends references
func Format(answer string, sources []Source) string {
	return AppendReferences(InjectCitations(answer, sources), sources)
}

// Merge combines several numbered source lists into one deduplicated list.
// The returned maps translate each input list's ids to merged ids.
func Merge(groups ...[]Source) ([]Source, []map[int]int) {
	c := NewCollector()
	mappings := make([]map[int]int, len(groups))
	for gi, group := range groups {
		mappings[gi] = make(map[int]int, len(group))
		for _, src := range group {
			if id := c.Add(src.URL, src.Title, src.Snippet); id > 0 {
				mappings[gi][src.ID] = id
			}
		}
	}
	return c.Sources(), mappings
}

// RemapCitations rewrites [n] markers through mapping. Markers with no
// mapping are removed.
func RemapCitations(text string, mapping map[int]int) string {
	out := citationRe.ReplaceAllStringFunc(text, func(m string) string {
		n, err := strconv.Atoi(m[1 : len(m)-1])
		if err != nil {
			return m
		}
		if id, ok := mapping[n]; ok {
			return "[" + strconv.Itoa(id) + "]"
		}
		return ""
	})
	return out
}

// CitedIDs returns the distinct marker numbers in text, ascending
func CitedIDs(text string) []int {
	seen := map[int]bool{}
	var ids []int
	for _, m := range citationRe.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || seen[n] {
			continue
		}
		seen[n] = true
		ids = append(ids, n)
	}
	sort.Ints(ids)
	return ids
}

func factualParagraphs(paragraphs []string) []int {
	var out []int
	inFence := false
	for i, p := range paragraphs {
		trimmed := strings.TrimSpace(p)
		fences := strings.Count(trimmed, "```")
		wasInFence := inFence
		if fences%2 == 1 {
			inFence = !inFence
		}
		if trimmed == "" || wasInFence || fences > 0 || strings.HasPrefix(trimmed, "#") {
			continue
		}
		out = append(out, i)
	}
	return out
}

func sourceKeywords(src Source) map[string]bool {
	kw := map[string]bool{}
	for _, label := range strings.Split(src.Domain, ".") {
		if len(label) >= 3 && !genericHostLabels[label] {
			kw[label] = true
		}
	}
	for w := range wordSet(src.Title) {
		if len(w) >= 4 && !stopwords[w] {
			kw[w] = true
		}
	}
	return kw
}

func wordSet(text string) map[string]bool {
	set := map[string]bool{}
	for _, w := range wordRe.FindAllString(strings.ToLower(text), -1) {
		set[w] = true
	}
	return set
}

func overlaps(words, keywords map[string]bool) bool {
	for k := range keywords {
		if words[k] {
			return true
		}
	}
	return false
}

func isIdentByte(c byte) bool {
	return c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func appendMarkers(paragraph string, ids []int) string {
	var b strings.Builder
	trimmed := strings.TrimRight(paragraph, " \t\n")
	b.WriteString(trimmed)
	b.WriteString(" ")
	for _, id := range ids {
		b.WriteString("[" + strconv.Itoa(id) + "]")
	}
	b.WriteString(paragraph[len(trimmed):])
	return b.String()
}
