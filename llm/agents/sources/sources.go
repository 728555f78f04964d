// Package sources pulls cited URLs out of a research transcript and attaches
// citation markers and a references block to the final answer.
package sources

import (
	"net/url"
	"regexp"
	"strings"

	"internal-perplexity/research/llm/providers/shared"
)

const maxSnippetChars = 240

// Source is one deduplicated URL consulted during research
type Source struct {
	ID      int    `json:"id"`
	URL     string `json:"url"`
	Title   string `json:"title,omitempty"`
	Domain  string `json:"domain"`
	Snippet string `json:"snippet,omitempty"`
}

// Label is the title, or the domain when there is no title
func (s Source) Label() string {
	if s.Title != "" {
		return s.Title
	}
	return s.Domain
}

var (
	markdownLinkRe = regexp.MustCompile(`\[([^\[\]\n]+)\]\((https?://[^\s()]+)\)`)
	bareURLRe      = regexp.MustCompile(`https?://[^\s<>"'\x60\[\]{}|\\^]+`)
)

const trailingPunct = ".,;:!?)]}'\"*>"

// Collector accumulates sources in first-seen order, deduplicated by normalized URL
type Collector struct {
	sources []Source
	index   map[string]int
}

// NewCollector creates an empty collector
func NewCollector() *Collector {
	return &Collector{index: make(map[string]int)}
}

// Add records a URL, filling in title and snippet of an existing entry when
// they were missing. It returns the source id, or 0 for an invalid URL.
func (c *Collector) Add(rawURL, title, snippet string) int {
	cleaned := strings.TrimRight(strings.TrimSpace(rawURL), trailingPunct)
	key, domain, ok := Normalize(cleaned)
	if !ok {
		return 0
	}
	title = strings.TrimSpace(title)
	snippet = truncate(strings.TrimSpace(snippet), maxSnippetChars)

	if i, exists := c.index[key]; exists {
		if c.sources[i].Title == "" {
			c.sources[i].Title = title
		}
		if c.sources[i].Snippet == "" {
			c.sources[i].Snippet = snippet
		}
		return c.sources[i].ID
	}

	src := Source{
		ID:      len(c.sources) + 1,
		URL:     cleaned,
		Title:   title,
		Domain:  domain,
		Snippet: snippet,
	}
	c.index[key] = len(c.sources)
	c.sources = append(c.sources, src)
	return src.ID
}

// AddText records every markdown link and bare URL found in text
func (c *Collector) AddText(text string) {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		for _, m := range markdownLinkRe.FindAllStringSubmatch(line, -1) {
			c.Add(m[2], m[1], nextNonEmpty(lines, i+1))
		}
	}
	for _, u := range bareURLRe.FindAllString(text, -1) {
		c.Add(u, "", "")
	}
}

// Sources returns the collected sources with ids 1..N
func (c *Collector) Sources() []Source {
	out := make([]Source, len(c.sources))
	copy(out, c.sources)
	return out
}

// Extract collects sources from a transcript. URLs passed to the page-visit
// tool come first, then URLs mentioned anywhere in non-system messages.
func Extract(messages []shared.Message, visitTool string) []Source {
	c := NewCollector()
	for _, msg := range messages {
		if msg.Role != shared.RoleAssistant {
			continue
		}
		for _, call := range msg.ToolCalls {
			if call.Name != visitTool {
				continue
			}
			for _, u := range urlArguments(call.Arguments["url"]) {
				c.Add(u, "", "")
			}
		}
	}
	for _, msg := range messages {
		if msg.Role == shared.RoleSystem {
			continue
		}
		c.AddText(msg.Content)
	}
	return c.Sources()
}

// Normalize returns the dedupe key and display domain of a URL. Scheme and
// host casing are ignored, as is a trailing slash on the path.
func Normalize(raw string) (key, domain string, ok bool) {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", "", false
	}
	host := strings.ToLower(u.Host)
	key = host + strings.TrimRight(u.EscapedPath(), "/")
	if u.RawQuery != "" {
		key += "?" + u.RawQuery
	}
	domain = strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	return key, domain, true
}

func urlArguments(v any) []string {
	switch arg := v.(type) {
	case string:
		return []string{arg}
	case []string:
		return arg
	case []any:
		out := make([]string, 0, len(arg))
		for _, item := range arg {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func nextNonEmpty(lines []string, from int) string {
	for i := from; i < len(lines) && i < from+2; i++ {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if markdownLinkRe.MatchString(line) {
			return ""
		}
		return line
	}
	return ""
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
