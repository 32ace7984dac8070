package session

import (
	"fmt"
	"strings"

	"tether/internal/storage"
)

// ComposeInitialPrompt builds the first user turn of a session from the task
// record: title, description, output-field instructions, and the attachment
// manifest.
func ComposeInitialPrompt(task *storage.Task) string {
	var b strings.Builder

	b.WriteString("# Task: ")
	b.WriteString(task.Title)
	b.WriteString("\n")

	if task.Description != "" {
		b.WriteString("\n")
		b.WriteString(task.Description)
		b.WriteString("\n")
	}

	if len(task.OutputFields) > 0 {
		b.WriteString("\nWhen you are finished, report your results as a fenced ```json code block ")
		b.WriteString("containing an object with the following keys:\n")
		for _, field := range task.OutputFields {
			b.WriteString(fmt.Sprintf("- %q (%s)", field.Name, field.Type))
			if field.Required {
				b.WriteString(" [required]")
			}
			if field.Multiple {
				b.WriteString(" [list]")
			}
			if len(field.Options) > 0 {
				b.WriteString(" one of: ")
				b.WriteString(strings.Join(field.Options, ", "))
			}
			b.WriteString("\n")
		}
	}

	if len(task.Attachments) > 0 {
		b.WriteString("\nAttached files:\n")
		for _, att := range task.Attachments {
			b.WriteString(fmt.Sprintf("- %s (%s)\n", att.Name, att.Path))
		}
	}

	return b.String()
}
