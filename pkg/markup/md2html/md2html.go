// Copyright 2024-2026 Aiku AI

// Package md2html renders the markdown carried by core.Message as the HTML
// subset accepted by chat networks.
package md2html

import (
	"html"
	"regexp"
	"strconv"
	"strings"
)

var (
	boldRe       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	italicRe     = regexp.MustCompile(`(^|[^*\w])_(.+?)_([^*\w]|$)`)
	strikeRe     = regexp.MustCompile(`~~(.+?)~~`)
	codeRe       = regexp.MustCompile("`([^`]+)`")
	codeBlockRe  = regexp.MustCompile("(?s)```(\\w+)?\\n?(.*?)```")
	linkRe       = regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`)
	headingRe    = regexp.MustCompile(`^(#{1,6})\s+(.+)$`)
	ulRe         = regexp.MustCompile(`^[-*]\s+(.+)$`)
	olRe         = regexp.MustCompile(`^\d+\.\s+(.+)$`)
	blockquoteRe = regexp.MustCompile(`^>\s?(.*)$`)
	markerRe     = regexp.MustCompile("(?m)\\*\\*|~~|`|\\[[^\\]]+\\]\\(|^#{1,6}\\s|^>|^[-*]\\s|^\\d+\\.\\s|(^|[^\\w])_")
)

const placeholder = "\x00CODEBLOCK"

type codeBlock struct {
	lang    string
	content string
}

// HasFormatting reports whether text contains any markdown syntax Convert
// understands.
func HasFormatting(text string) bool {
	return markerRe.MatchString(text)
}

// Convert renders text as HTML. It returns false, and no HTML, when the text
// carries no formatting and should be sent as plain text. Raw HTML in text is
// escaped and links are only kept for http, https and mailto targets.
func Convert(text string) (string, bool) {
	if text == "" || !HasFormatting(text) {
		return "", false
	}

	// Code blocks are cut out first so nothing inside them is formatted.
	var blocks []codeBlock
	processed := codeBlockRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := codeBlockRe.FindStringSubmatch(match)
		blocks = append(blocks, codeBlock{lang: parts[1], content: parts[2]})
		return placeholder + strconv.Itoa(len(blocks)-1) + "\x00"
	})

	var (
		result    []string
		listType  string
		listItems []string
		quote     []string
	)
	flushList := func() {
		if len(listItems) > 0 {
			result = append(result, "<"+listType+">"+strings.Join(listItems, "")+"</"+listType+">")
		}
		listItems, listType = nil, ""
	}
	flushQuote := func() {
		if len(quote) > 0 {
			result = append(result, "<blockquote>"+strings.Join(quote, "<br/>")+"</blockquote>")
		}
		quote = nil
	}
	for _, line := range strings.Split(processed, "\n") {
		if m := blockquoteRe.FindStringSubmatch(line); m != nil {
			flushList()
			quote = append(quote, html.EscapeString(m[1]))
			continue
		}
		flushQuote()
		if m := headingRe.FindStringSubmatch(line); m != nil {
			flushList()
			lvl := strconv.Itoa(len(m[1]))
			result = append(result, "<h"+lvl+">"+html.EscapeString(m[2])+"</h"+lvl+">")
			continue
		}
		if m := ulRe.FindStringSubmatch(line); m != nil {
			if listType != "ul" {
				flushList()
				listType = "ul"
			}
			listItems = append(listItems, "<li>"+html.EscapeString(m[1])+"</li>")
			continue
		}
		if m := olRe.FindStringSubmatch(line); m != nil {
			if listType != "ol" {
				flushList()
				listType = "ol"
			}
			listItems = append(listItems, "<li>"+html.EscapeString(m[1])+"</li>")
			continue
		}
		flushList()
		result = append(result, html.EscapeString(line))
	}
	flushQuote()
	flushList()

	formatted := strings.Join(result, "\n")
	formatted = codeRe.ReplaceAllString(formatted, "<code>$1</code>")
	formatted = boldRe.ReplaceAllString(formatted, "<strong>$1</strong>")
	formatted = italicRe.ReplaceAllString(formatted, "$1<em>$2</em>$3")
	formatted = strikeRe.ReplaceAllString(formatted, "<del>$1</del>")
	formatted = linkRe.ReplaceAllStringFunc(formatted, func(match string) string {
		parts := linkRe.FindStringSubmatch(match)
		label, href := parts[1], parts[2]
		lower := strings.ToLower(strings.TrimSpace(href))
		if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "mailto:") {
			return `<a href="` + href + `">` + label + `</a>`
		}
		return label
	})

	formatted = strings.ReplaceAll(formatted, "\n\n", "</p><p>")
	formatted = strings.ReplaceAll(formatted, "\n", "<br/>")
	if strings.Contains(formatted, "</p><p>") {
		formatted = "<p>" + formatted + "</p>"
	}

	for i, cb := range blocks {
		var replacement string
		if cb.lang != "" {
			replacement = `<pre><code class="language-` + html.EscapeString(cb.lang) + `">` + html.EscapeString(cb.content) + `</code></pre>`
		} else {
			replacement = `<pre><code>` + html.EscapeString(cb.content) + `</code></pre>`
		}
		formatted = strings.Replace(formatted, placeholder+strconv.Itoa(i)+"\x00", replacement, 1)
	}
	return formatted, true
}
