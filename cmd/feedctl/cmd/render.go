package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/lzyats/chatfeed/pkg/feed"
)

const timeLayout = "2006-01-02 15:04:05"

// formatItem renders one feed row as a single line.
func formatItem(it feed.Item) string {
	if p := it.Pending; p != nil {
		line := fmt.Sprintf("[%s] %-10s %s", p.Status, "you", p.Content)
		if p.Err != nil {
			line += fmt.Sprintf("  (%v, key=%s)", p.Err, p.Key)
		}
		return line
	}
	m := it.Message
	if m == nil {
		return ""
	}
	author := m.AuthorMemberID
	if m.Member != nil && m.Member.Name != "" {
		author = m.Member.Name
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-10s %s", m.CreatedAt.Local().Format(timeLayout), author, m.Content)
	if m.AttachmentURL != "" {
		fmt.Fprintf(&b, " <%s>", m.AttachmentURL)
	}
	if m.EditedAt != nil && !m.Deleted {
		b.WriteString(" (edited)")
	}
	return b.String()
}

func printItems(w io.Writer, items []feed.Item) {
	for _, it := range items {
		fmt.Fprintln(w, formatItem(it))
	}
}
