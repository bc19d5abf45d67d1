package codec

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/yuin/goldmark"
	"golang.org/x/net/html"
)

// block-level elements that end a line when flattened to text
var lineBreaking = map[string]bool{
	"br": true, "p": true, "div": true, "li": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
}

func (c *Codec) decodeDescription(s string) (string, error) {
	if c.Description != DescriptionHTML || s == "" {
		return s, nil
	}
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(s), &buf); err != nil {
		return "", fmt.Errorf("failed to render description: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func (c *Codec) encodeDescription(s string) (string, error) {
	if c.Description != DescriptionHTML {
		return s, nil
	}
	return htmlToText(s)
}

// htmlToText flattens an HTML fragment to plain text, one line per block.
func htmlToText(s string) (string, error) {
	z := html.NewTokenizer(strings.NewReader(s))
	var sb strings.Builder
	for {
		switch z.Next() {
		case html.ErrorToken:
			if err := z.Err(); err != io.EOF {
				return "", fmt.Errorf("failed to parse description: %w", err)
			}
			return cleanLines(sb.String()), nil
		case html.TextToken:
			sb.Write(z.Text())
		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			if lineBreaking[string(name)] {
				sb.WriteByte('\n')
			}
		}
	}
}

func cleanLines(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}
