package format

import "testing"

func TestSlack(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"link", "see [docs](https://example.com/a)", "see <https://example.com/a|docs>"},
		{"bold", "**important** and **also**", "*important* and *also*"},
		{"code fence language", "```go\nfmt.Println()\n```", "```fmt.Println()\n```"},
		{"plain", "nothing to do", "nothing to do"},
		{"non http link kept", "[x](mailto:a@b)", "[x](mailto:a@b)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Slack(tt.in); got != tt.want {
				t.Errorf("Slack(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestTables(t *testing.T) {
	in := "Results:\n| name | qty |\n|------|-----|\n| apple | 3 |\n| fig | 12 |\nDone"
	want := "Results:\n\n```\n" +
		"+-------+-----+\n" +
		"| name  | qty |\n" +
		"+-------+-----+\n" +
		"| apple | 3   |\n" +
		"| fig   | 12  |\n" +
		"+-------+-----+\n" +
		"```\nDone"
	if got := Tables(in); got != want {
		t.Errorf("Tables() =\n%s\nwant\n%s", got, want)
	}
}

func TestTablesWideRunes(t *testing.T) {
	in := "| k | v |\n|---|---|\n| 日本 | x |\n"
	want := "\n```\n" +
		"+------+---+\n" +
		"| k    | v |\n" +
		"+------+---+\n" +
		"| 日本 | x |\n" +
		"+------+---+\n" +
		"```\n"
	if got := Tables(in); got != want {
		t.Errorf("Tables() =\n%s\nwant\n%s", got, want)
	}
}

func TestDiscordKeepsMarkdown(t *testing.T) {
	in := "**bold** [link](https://x.y)"
	if got := Discord(in); got != in {
		t.Errorf("Discord(%q) = %q, want unchanged", in, got)
	}
}

func TestTablesWithoutBodyUnchanged(t *testing.T) {
	in := "| a | b |\n|---|---|\n"
	if got := Tables(in); got != in {
		t.Errorf("Tables(%q) = %q, want unchanged", in, got)
	}
}
