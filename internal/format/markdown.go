// Package format rewrites model markdown into what each chat platform renders.
package format

import (
	"regexp"
	"strings"

	"github.com/mattn/go-runewidth"
)

var (
	linkRe      = regexp.MustCompile(`\[(.*?)\]\((http.*?)\)`)
	fenceLangRe = regexp.MustCompile("```[a-z]+\n")
	boldRe      = regexp.MustCompile(`\*\*(.*?)\*\*`)
	tableRe     = regexp.MustCompile(`\|.*\|[\n\r]+\|[-:| ]+\|[\n\r]+((?:\|.*\|[\n\r]+)+)`)
)

// Slack converts links, bold and fenced code to mrkdwn and tables to fixed width.
func Slack(s string) string {
	s = linkRe.ReplaceAllString(s, "<$2|$1>")
	s = fenceLangRe.ReplaceAllString(s, "```")
	s = boldRe.ReplaceAllString(s, "*$1*")
	return Tables(s)
}

// Discord renders standard markdown; only tables need rewriting.
func Discord(s string) string {
	return Tables(s)
}

// Tables replaces markdown tables with fixed-width tables in code fences.
// A table must end with a newline to be matched.
func Tables(s string) string {
	return tableRe.ReplaceAllStringFunc(s, func(table string) string {
		return "\n```\n" + renderTable(table) + "\n```\n"
	})
}

func renderTable(table string) string {
	var rows [][]string
	for _, line := range strings.Split(table, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		rows = append(rows, splitRow(line))
	}
	if len(rows) < 2 {
		return table
	}
	header := rows[0]
	body := rows[2:]

	cols := len(header)
	for _, r := range body {
		if len(r) > cols {
			cols = len(r)
		}
	}
	widths := make([]int, cols)
	for _, r := range append([][]string{header}, body...) {
		for i, cell := range r {
			if w := runewidth.StringWidth(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}

	var b strings.Builder
	sep := separator(widths)
	b.WriteString(sep)
	b.WriteString(formatRow(header, widths))
	b.WriteString(sep)
	for _, r := range body {
		b.WriteString(formatRow(r, widths))
	}
	b.WriteString(strings.TrimSuffix(sep, "\n"))
	return b.String()
}

// splitRow drops empty cells, matching how the table rows are typically written
// with leading and trailing pipes.
func splitRow(line string) []string {
	var cells []string
	for _, c := range strings.Split(line, "|") {
		if c = strings.TrimSpace(c); c != "" {
			cells = append(cells, c)
		}
	}
	return cells
}

func separator(widths []int) string {
	var b strings.Builder
	b.WriteByte('+')
	for _, w := range widths {
		b.WriteString(strings.Repeat("-", w+2))
		b.WriteByte('+')
	}
	b.WriteByte('\n')
	return b.String()
}

func formatRow(cells []string, widths []int) string {
	var b strings.Builder
	b.WriteByte('|')
	for i, w := range widths {
		cell := ""
		if i < len(cells) {
			cell = cells[i]
		}
		b.WriteByte(' ')
		b.WriteString(runewidth.FillRight(cell, w))
		b.WriteString(" |")
	}
	b.WriteByte('\n')
	return b.String()
}
