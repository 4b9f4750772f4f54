// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package memagent

import (
	"html"
	"strings"

	"github.com/teradata-labs/mnemo/pkg/types"
)

// ElementName is a recognized top-level element in generator output.
type ElementName string

const (
	ElemObservation ElementName = "observation"
	ElemSummary     ElementName = "summary"
	ElemSkipSummary ElementName = "skip_summary"
)

// Element is one complete top-level element cut out of the stream.
type Element struct {
	Name ElementName
	// Raw is the full element text including its open and close tags.
	Raw string
}

// ElementScanner extracts complete <observation>, <summary> and
// <skip_summary> elements from a text stream. The generator interleaves
// elements with free-form prose; the scanner ignores everything outside a
// recognized element and emits each element the moment its closing tag (or
// self-closing bracket) arrives — it never waits for end-of-stream.
type ElementScanner struct {
	buf strings.Builder
}

// NewElementScanner creates a scanner for one generator turn.
func NewElementScanner() *ElementScanner {
	return &ElementScanner{}
}

var scanNames = []ElementName{ElemObservation, ElemSummary, ElemSkipSummary}

// Feed appends a chunk and returns any elements completed by it.
func (s *ElementScanner) Feed(chunk string) []Element {
	s.buf.WriteString(chunk)

	var out []Element
	for {
		elem, rest, found := cutElement(s.buf.String())
		s.buf.Reset()
		s.buf.WriteString(rest)
		if !found {
			return out
		}
		out = append(out, elem)
	}
}

// cutElement finds the earliest complete recognized element in text.
// Returns the element, the remaining text after it, and whether one was
// found. Text before an incomplete element is retained so an element split
// across chunks survives; text with no recognizable open tag at all is
// discarded up to the last '<' to keep the buffer bounded.
func cutElement(text string) (Element, string, bool) {
	earliest := -1
	var name ElementName
	for _, n := range scanNames {
		if i := findOpenTag(text, string(n)); i >= 0 && (earliest < 0 || i < earliest) {
			earliest = i
			name = n
		}
	}
	if earliest < 0 {
		return Element{}, trimDanglingPrefix(text), false
	}

	// The open tag itself may be incomplete or self-closing.
	tagEnd := strings.IndexByte(text[earliest:], '>')
	if tagEnd < 0 {
		return Element{}, text[earliest:], false
	}
	openEnd := earliest + tagEnd + 1

	if strings.HasSuffix(strings.TrimSpace(text[earliest:openEnd]), "/>") {
		return Element{Name: name, Raw: text[earliest:openEnd]}, text[openEnd:], true
	}

	closeTag := "</" + string(name) + ">"
	closeIdx := strings.Index(text[openEnd:], closeTag)
	if closeIdx < 0 {
		return Element{}, text[earliest:], false
	}
	end := openEnd + closeIdx + len(closeTag)
	return Element{Name: name, Raw: text[earliest:end]}, text[end:], true
}

// findOpenTag locates "<name" followed by a delimiter, so "observation"
// does not match "<observations>".
func findOpenTag(text, name string) int {
	needle := "<" + name
	from := 0
	for {
		i := strings.Index(text[from:], needle)
		if i < 0 {
			return -1
		}
		pos := from + i
		after := pos + len(needle)
		if after >= len(text) {
			// Possibly a tag cut mid-chunk; treat as a candidate.
			return pos
		}
		switch text[after] {
		case '>', ' ', '\t', '\n', '\r', '/':
			return pos
		}
		from = after
	}
}

// trimDanglingPrefix drops scanned-past text but keeps a possible partial
// open tag at the tail.
func trimDanglingPrefix(text string) string {
	if i := strings.LastIndexByte(text, '<'); i >= 0 {
		return text[i:]
	}
	return ""
}

// ParseObservation parses an observation element leniently. Fields may be
// given as attributes on the open tag or as child elements; child elements
// win. Missing fields stay empty — parsing never fails (the caller drops a
// record only when no recognizable element existed at all). The type is
// coerced to the closed set and its value purged from concepts.
func ParseObservation(raw string) *types.Observation {
	openTag, inner := splitElement(raw)

	obs := &types.Observation{
		Type:      types.CoerceObservationType(firstNonEmpty(extractTag(inner, "type"), extractAttr(openTag, "type"))),
		Title:     firstNonEmpty(extractTag(inner, "title"), extractAttr(openTag, "title")),
		Subtitle:  firstNonEmpty(extractTag(inner, "subtitle"), extractAttr(openTag, "subtitle")),
		Narrative: firstNonEmpty(extractTag(inner, "narrative"), extractAttr(openTag, "narrative")),
	}

	obs.Facts = extractList(inner, "facts", "fact")
	obs.FilesRead = extractList(inner, "files_read", "file")
	obs.FilesModified = extractList(inner, "files_modified", "file")

	concepts := extractList(inner, "concepts", "concept")
	filtered := concepts[:0]
	for _, c := range concepts {
		if !strings.EqualFold(c, string(obs.Type)) {
			filtered = append(filtered, c)
		}
	}
	if len(filtered) > 0 {
		obs.Concepts = filtered
	}

	return obs
}

// ParseSummary parses a summary element with the same leniency.
func ParseSummary(raw string) *types.SessionSummary {
	openTag, inner := splitElement(raw)
	pick := func(name string) string {
		return firstNonEmpty(extractTag(inner, name), extractAttr(openTag, name))
	}
	return &types.SessionSummary{
		Request:      pick("request"),
		Investigated: pick("investigated"),
		Learned:      pick("learned"),
		Completed:    pick("completed"),
		NextSteps:    pick("next_steps"),
		Notes:        pick("notes"),
	}
}

// splitElement separates the open tag from the inner content of an element.
// Self-closing elements have empty inner content.
func splitElement(raw string) (openTag, inner string) {
	end := strings.IndexByte(raw, '>')
	if end < 0 {
		return raw, ""
	}
	openTag = raw[:end+1]
	if strings.HasSuffix(strings.TrimSpace(openTag), "/>") {
		return openTag, ""
	}
	rest := raw[end+1:]
	if i := strings.LastIndex(rest, "</"); i >= 0 {
		rest = rest[:i]
	}
	return openTag, rest
}

// extractTag returns the trimmed, entity-decoded content of the first
// <name>...</name> child, or "" when absent. Whitespace-only counts as
// absent.
func extractTag(inner, name string) string {
	start := findOpenTag(inner, name)
	if start < 0 {
		return ""
	}
	tagEnd := strings.IndexByte(inner[start:], '>')
	if tagEnd < 0 {
		return ""
	}
	contentStart := start + tagEnd + 1
	if strings.HasSuffix(strings.TrimSpace(inner[start:contentStart]), "/>") {
		return ""
	}
	closeIdx := strings.Index(inner[contentStart:], "</"+name+">")
	if closeIdx < 0 {
		return ""
	}
	return cleanText(inner[contentStart : contentStart+closeIdx])
}

// extractAttr returns the value of name="..." on the open tag.
func extractAttr(openTag, name string) string {
	for _, quote := range []string{`"`, `'`} {
		needle := name + "=" + quote
		i := strings.Index(openTag, needle)
		if i < 0 {
			continue
		}
		rest := openTag[i+len(needle):]
		j := strings.Index(rest, quote)
		if j < 0 {
			continue
		}
		return cleanText(rest[:j])
	}
	return ""
}

// extractList collects the items of a wrapped list (<facts><fact>..</fact>
// </facts>) and also accepts bare repeated items when no wrapper exists.
func extractList(inner, wrapper, item string) []string {
	scope := inner
	if start := findOpenTag(inner, wrapper); start >= 0 {
		tagEnd := strings.IndexByte(inner[start:], '>')
		if tagEnd >= 0 {
			contentStart := start + tagEnd + 1
			if closeIdx := strings.Index(inner[contentStart:], "</"+wrapper+">"); closeIdx >= 0 {
				scope = inner[contentStart : contentStart+closeIdx]
			}
		}
	}

	var items []string
	rest := scope
	for {
		start := findOpenTag(rest, item)
		if start < 0 {
			break
		}
		tagEnd := strings.IndexByte(rest[start:], '>')
		if tagEnd < 0 {
			break
		}
		contentStart := start + tagEnd + 1
		closeIdx := strings.Index(rest[contentStart:], "</"+item+">")
		if closeIdx < 0 {
			break
		}
		if v := cleanText(rest[contentStart : contentStart+closeIdx]); v != "" {
			items = append(items, v)
		}
		rest = rest[contentStart+closeIdx:]
	}
	return items
}

func cleanText(s string) string {
	return strings.TrimSpace(html.UnescapeString(s))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
