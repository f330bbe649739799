package analysis

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/partlabs/eolwatch/internal/eol"
)

// TruncatingPreparer caps evidence content at a byte budget before it is
// placed in the prompt. Cuts land on rune boundaries.
type TruncatingPreparer struct {
	MaxBytes int
}

// Prepare implements eol.ContentPreparer.
func (p TruncatingPreparer) Prepare(content string) string {
	if p.MaxBytes <= 0 || len(content) <= p.MaxBytes {
		return content
	}
	cut := p.MaxBytes
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return content[:cut] + "\n[content truncated]"
}

// BuildPrompt assembles the adjudication prompt from the job's subject and
// scraped evidence, ordered by URL index so reruns are deterministic.
func BuildPrompt(job *eol.Job, preparer eol.ContentPreparer) string {
	var b strings.Builder
	b.WriteString("You are a product lifecycle analyst for industrial automation parts.\n")
	b.WriteString("Determine whether the part below is still in production.\n\n")
	fmt.Fprintf(&b, "Maker: %s\nModel: %s\n\n", job.Subject.Maker, job.Subject.Model)
	b.WriteString("Evidence scraped from candidate pages follows. Pages that could not\n")
	b.WriteString("be fetched are marked [scrape unavailable]; ignore them.\n")

	indexes := make([]int, 0, len(job.URLResults))
	for i := range job.URLResults {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	for _, i := range indexes {
		result := job.URLResults[i]
		content := result.Content
		if preparer != nil {
			content = preparer.Prepare(content)
		}
		fmt.Fprintf(&b, "\n--- source %d: %s ---\n%s\n", i+1, result.SourceURL, content)
	}

	b.WriteString("\nRespond with only a JSON object, no prose, in this shape:\n")
	b.WriteString(`{"status":"active|discontinued|unknown","explanation":"...",` +
		`"successor":{"exists":false,"maker":"","model":"","note":""}}` + "\n")
	b.WriteString("Rules:\n")
	b.WriteString("- status is \"discontinued\" only when a vendor or distributor page says so.\n")
	b.WriteString("- status is \"unknown\" when the evidence is inconclusive.\n")
	b.WriteString("- successor.exists is true only when a replacement model is explicitly named.\n")
	b.WriteString("- explanation cites which source supports the verdict.\n")
	return b.String()
}
