// Copyright 2024-2026 Aiku AI

package md2html

import (
	"strings"
	"testing"
)

func TestConvertPlain(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"", "hello world", "snake_case_name", "   \n\n   ", "hello\x00world"} {
		if out, ok := Convert(in); ok || out != "" {
			t.Errorf("Convert(%q) = %q, %v; want plain text", in, out, ok)
		}
	}
}

func TestConvert(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bold", "**bold text**", "<strong>bold text</strong>"},
		{"italic", "an _emphasised_ word", "an <em>emphasised</em> word"},
		{"strikethrough", "~~deleted~~", "<del>deleted</del>"},
		{"inline code", "use `fmt.Println`", "use <code>fmt.Println</code>"},
		{"link", "[example](https://example.com)", `<a href="https://example.com">example</a>`},
		{"heading", "## Section Title", "<h2>Section Title</h2>"},
		{"blockquote", "> quoted text", "<blockquote>quoted text</blockquote>"},
		{"multi-line blockquote", "> one\n> two", "<blockquote>one<br/>two</blockquote>"},
		{"unordered list", "- item one\n- item two", "<ul><li>item one</li><li>item two</li></ul>"},
		{"ordered list", "1. first\n2. second", "<ol><li>first</li><li>second</li></ol>"},
		{"code block", "```\nsome code\n```", "<pre><code>some code\n</code></pre>"},
		{"code block language", "```go\nfmt.Println(\"hi\")\n```", `<pre><code class="language-go">fmt.Println(&#34;hi&#34;)` + "\n</code></pre>"},
		{"paragraphs", "**para one**\n\npara two", "<p><strong>para one</strong></p><p>para two</p>"},
		{"line break", "**a**\nb", "<strong>a</strong><br/>b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := Convert(tt.in)
			if !ok {
				t.Fatalf("Convert(%q) reported no formatting", tt.in)
			}
			if got != tt.want {
				t.Errorf("Convert(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestConvertUnsafeLinks(t *testing.T) {
	t.Parallel()
	for _, in := range []string{
		"[click](javascript:alert(1))",
		"[img](data:text/html,<script>alert(1)</script>)",
	} {
		got, _ := Convert(in)
		if strings.Contains(got, "href") {
			t.Errorf("Convert(%q) = %q, unsafe link kept", in, got)
		}
	}
}

func TestConvertEscapesHTML(t *testing.T) {
	t.Parallel()
	got, ok := Convert("**<script>alert(1)</script>**")
	if !ok {
		t.Fatal("expected formatting")
	}
	if strings.Contains(got, "<script>") {
		t.Errorf("HTML should be escaped in output, got %q", got)
	}
}

func TestConvertCodeBlockProtectsContent(t *testing.T) {
	t.Parallel()
	got, _ := Convert("```\n**not bold** > not quote\n```")
	if strings.Contains(got, "<strong>") || strings.Contains(got, "<blockquote>") {
		t.Errorf("code block content should not be formatted, got %q", got)
	}
}

func FuzzConvert(f *testing.F) {
	f.Add("hello world")
	f.Add("**bold**")
	f.Add("```go\ncode\n```")
	f.Add("[xss](javascript:alert(1))")
	f.Add("> blockquote")
	f.Add("- list\n- items")
	f.Add("<script>alert(1)</script>")
	f.Add("hello\x00world\x01\x02")
	f.Add(strings.Repeat("**bold**", 100))

	f.Fuzz(func(t *testing.T, input string) {
		got, ok := Convert(input)
		if !ok && got != "" {
			t.Error("plain results must not carry HTML")
		}
		if strings.Contains(got, "<script>") {
			t.Error("output should never contain raw <script> tags")
		}
		if strings.Contains(got, `href="javascript:`) {
			t.Error("output should never link to javascript: URLs")
		}
	})
}
