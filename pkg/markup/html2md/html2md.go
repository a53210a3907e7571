// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package html2md converts the HTML subset used by chat networks to
// markdown, the text form carried by core.Message.
package html2md

import (
	"html"
	"regexp"
	"strconv"
	"strings"
)

// rule rewrites every match of re. Exactly one of tmpl or fn is set; fn
// receives the submatches.
type rule struct {
	re   *regexp.Regexp
	tmpl string
	fn   func(m []string) string
}

func (r rule) apply(s string) string {
	if r.fn == nil {
		return r.re.ReplaceAllString(s, r.tmpl)
	}
	return r.re.ReplaceAllStringFunc(s, func(match string) string {
		return r.fn(r.re.FindStringSubmatch(match))
	})
}

var (
	lineBreak = regexp.MustCompile(`<br\s*/?>`)
	listItem  = regexp.MustCompile(`(?s)<li>(.*?)</li>`)
	anyTag    = regexp.MustCompile(`<[^>]+>`)
	blankRun  = regexp.MustCompile(`\n{3,}`)
)

// rules run in order. Reply fallbacks go first, then code so its content is
// not touched by the inline rules.
var rules = []rule{
	{re: regexp.MustCompile(`(?s)<mx-reply>.*?</mx-reply>`)},
	{re: regexp.MustCompile(`(?s)<pre><code(?: class="language-(\w+)")?>(.*?)</code></pre>`), tmpl: "```$1\n$2\n```"},
	{re: regexp.MustCompile(`<code[^>]*>(.*?)</code>`), tmpl: "`$1`"},
	{re: regexp.MustCompile(`<(?:strong|b)>(.*?)</(?:strong|b)>`), tmpl: "**$1**"},
	{re: regexp.MustCompile(`<(?:em|i)>(.*?)</(?:em|i)>`), tmpl: "_${1}_"},
	{re: regexp.MustCompile(`<(?:del|s|strike)>(.*?)</(?:del|s|strike)>`), tmpl: "~~$1~~"},
	{re: regexp.MustCompile(`<a href="([^"]+)"[^>]*>(.*?)</a>`), fn: link},
	{re: regexp.MustCompile(`<h([1-6])>(.*?)</h[1-6]>`), fn: heading},
	{re: regexp.MustCompile(`(?s)<blockquote>(.*?)</blockquote>`), fn: quote},
	{re: regexp.MustCompile(`(?s)<ul>(.*?)</ul>`), fn: bullets},
	{re: regexp.MustCompile(`(?s)<ol(?: start="(\d+)")?>(.*?)</ol>`), fn: numbered},
	{re: regexp.MustCompile(`(?s)<p>(.*?)</p>`), tmpl: "$1\n\n"},
	{re: lineBreak, tmpl: "\n"},
	{re: anyTag},
}

func link(m []string) string {
	href, label := m[1], m[2]
	if href == label {
		return href
	}
	return "[" + label + "](" + href + ")"
}

func heading(m []string) string {
	n, _ := strconv.Atoi(m[1])
	return strings.Repeat("#", n) + " " + m[2]
}

func quote(m []string) string {
	body := lineBreak.ReplaceAllString(strings.TrimSpace(m[1]), "\n")
	var b strings.Builder
	for i, line := range strings.Split(body, "\n") {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("> ")
		b.WriteString(strings.TrimSpace(line))
	}
	return b.String()
}

func items(s string, marker func(i int) string) string {
	var out []string
	for i, li := range listItem.FindAllStringSubmatch(s, -1) {
		out = append(out, marker(i)+strings.TrimSpace(li[1]))
	}
	return strings.Join(out, "\n")
}

func bullets(m []string) string {
	return items(m[1], func(int) string { return "- " })
}

func numbered(m []string) string {
	first := 1
	if m[1] != "" {
		first, _ = strconv.Atoi(m[1])
	}
	return items(m[2], func(i int) string { return strconv.Itoa(first+i) + ". " })
}

// Convert renders s as markdown. Unknown tags are dropped, their text kept.
func Convert(s string) string {
	if s == "" {
		return ""
	}
	for _, r := range rules {
		s = r.apply(s)
	}
	s = html.UnescapeString(s)
	return strings.TrimSpace(blankRun.ReplaceAllString(s, "\n\n"))
}
