package text

import (
	"fmt"
	"mime"
	"regexp"
	"strings"
	"unicode"
)

const (
	MIMEPlain    = "text/plain"
	MIMEMarkdown = "text/markdown"
	MIMECSV      = "text/csv"
	MIMEPython   = "text/x-python"
	MIMENotebook = "application/x-ipynb+json"
)

var (
	blankRunRe  = regexp.MustCompile(`\n{3,}`)
	editLinkRe  = regexp.MustCompile(`(?mi)^\[edit[^\]]*\]\([^\)]+\)\s*$`)
	tocRe       = regexp.MustCompile(`(?mi)^#{1,3}\s+(?:table of )?contents?\s*\n(?:\s*[-*]\s*\[.*?\]\(#.*?\)\s*\n)*`)
	htmlComment = regexp.MustCompile(`(?s)<!--.*?-->`)
)

// Normalize turns raw document bytes into the text that is chunked. MIME
// specific extraction runs first (Python keeps docstrings and comments,
// notebooks keep markdown cells and code comments).
func Normalize(raw []byte, mimeType string) (string, error) {
	s := Clean(string(raw))

	switch BaseMIME(mimeType) {
	case MIMEMarkdown:
		s = CleanMarkdownNoise(s)
	case MIMEPython:
		s = ExtractPython(s)
	case MIMENotebook:
		nb, err := ExtractNotebook(raw)
		if err != nil {
			return "", fmt.Errorf("extract notebook: %w", err)
		}
		s = nb
	}

	return Clean(s), nil
}

// BaseMIME strips parameters such as charset from a MIME type.
func BaseMIME(mimeType string) string {
	if mt, _, err := mime.ParseMediaType(mimeType); err == nil {
		return mt
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}

// Clean repairs encoding and whitespace: invalid UTF-8 is replaced, line
// endings become \n, control characters other than tab and newline are
// dropped, trailing spaces are trimmed and blank line runs collapse to one.
func Clean(s string) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	s = strings.TrimPrefix(s, "\uFEFF")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)

	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	s = strings.Join(lines, "\n")

	s = blankRunRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// CleanMarkdownNoise removes documentation boilerplate that never helps a
// search: edit-this-page links, generated tables of contents and HTML
// comments.
func CleanMarkdownNoise(text string) string {
	text = editLinkRe.ReplaceAllString(text, "")
	text = tocRe.ReplaceAllString(text, "")
	text = htmlComment.ReplaceAllString(text, "")
	return text
}
