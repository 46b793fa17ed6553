package assistant

import (
	"strings"
	"unicode/utf8"
)

const (
	textChunkSize    = 500
	summaryChunkSize = 5000
	tableRowPrefix   = "Table Row: "
)

// chunkText splits text into consecutive windows of size characters.
func chunkText(text string, size int) []string {
	if text == "" || size <= 0 {
		return nil
	}
	var chunks []string
	for len(text) > 0 {
		if utf8.RuneCountInString(text) <= size {
			chunks = append(chunks, text)
			break
		}
		cut := 0
		for i := 0; i < size; i++ {
			_, w := utf8.DecodeRuneInString(text[cut:])
			cut += w
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	return chunks
}

// chunkLines packs whole lines into chunks of at most max characters. A line
// longer than max becomes a chunk of its own.
func chunkLines(text string, max int) []string {
	var chunks []string
	var current strings.Builder
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if current.Len() > 0 && current.Len()+len(line)+1 > max {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteByte('\n')
		}
		current.WriteString(line)
	}
	if strings.TrimSpace(current.String()) != "" {
		chunks = append(chunks, current.String())
	}
	return chunks
}

// tableRows renders every row of every table as a standalone document.
func tableRows(tables []Table) []string {
	var rows []string
	for _, t := range tables {
		for _, row := range t {
			if len(row) == 0 {
				continue
			}
			rows = append(rows, tableRowPrefix+strings.Join(row, " | "))
		}
	}
	return rows
}

// wantsImage reports whether the question asks for a figure.
func wantsImage(question string) bool {
	for _, w := range strings.Fields(strings.ToLower(question)) {
		switch strings.Trim(w, ".,;:!?\"'()") {
		case "diagram", "image", "picture", "pic", "photo":
			return true
		}
	}
	return false
}
