package text

import (
	"encoding/json"
	"regexp"
	"strings"
)

var codingRe = regexp.MustCompile(`^#.*coding[:=]`)

// ExtractPython keeps the prose of a Python source file: docstrings and
// comment blocks, in file order.
func ExtractPython(src string) string {
	lines := strings.Split(src, "\n")

	var parts []string
	var comments []string
	flush := func() {
		if len(comments) > 0 {
			parts = append(parts, strings.Join(comments, "\n"))
			comments = nil
		}
	}

	for i := 0; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])

		if i == 0 && strings.HasPrefix(trimmed, "#!") {
			continue
		}
		if i < 2 && codingRe.MatchString(trimmed) {
			continue
		}

		if strings.HasPrefix(trimmed, "#") {
			if c := strings.TrimSpace(strings.TrimLeft(trimmed, "#")); c != "" {
				comments = append(comments, c)
			}
			continue
		}
		flush()

		quote, body, ok := docstringStart(trimmed)
		if !ok {
			continue
		}
		if end := strings.Index(body, quote); end >= 0 {
			if doc := strings.TrimSpace(body[:end]); doc != "" {
				parts = append(parts, doc)
			}
			continue
		}

		buf := []string{strings.TrimSpace(body)}
		for i++; i < len(lines); i++ {
			if end := strings.Index(lines[i], quote); end >= 0 {
				buf = append(buf, strings.TrimSpace(lines[i][:end]))
				break
			}
			buf = append(buf, strings.TrimSpace(lines[i]))
		}
		if doc := strings.TrimSpace(strings.Join(buf, "\n")); doc != "" {
			parts = append(parts, doc)
		}
	}
	flush()

	return strings.Join(parts, "\n\n")
}

// docstringStart reports whether a statement line opens a triple-quoted
// string, returning the quote and the text after it.
func docstringStart(line string) (string, string, bool) {
	s := line
	for n := 0; n < 2 && len(s) > 0 && strings.ContainsRune("rRuUbBfF", rune(s[0])); n++ {
		s = s[1:]
	}
	for _, q := range []string{`"""`, `'''`} {
		if strings.HasPrefix(s, q) {
			return q, s[len(q):], true
		}
	}
	return "", "", false
}

type notebook struct {
	Cells []struct {
		CellType string          `json:"cell_type"`
		Source   json.RawMessage `json:"source"`
	} `json:"cells"`
}

// ExtractNotebook keeps markdown cells verbatim and the comment lines of
// code cells from a Jupyter notebook.
func ExtractNotebook(raw []byte) (string, error) {
	var nb notebook
	if err := json.Unmarshal(raw, &nb); err != nil {
		return "", err
	}

	var parts []string
	for _, cell := range nb.Cells {
		src := cellSource(cell.Source)
		switch cell.CellType {
		case "markdown":
			if s := strings.TrimSpace(src); s != "" {
				parts = append(parts, s)
			}
		case "code":
			var comments []string
			for _, l := range strings.Split(src, "\n") {
				t := strings.TrimSpace(l)
				if strings.HasPrefix(t, "#") {
					if c := strings.TrimSpace(strings.TrimLeft(t, "#")); c != "" {
						comments = append(comments, c)
					}
				}
			}
			if len(comments) > 0 {
				parts = append(parts, strings.Join(comments, "\n"))
			}
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

// cellSource accepts both the string and the list-of-lines encodings.
func cellSource(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var lines []string
	if err := json.Unmarshal(raw, &lines); err == nil {
		return strings.Join(lines, "")
	}
	return ""
}
