package extraction

import (
	"fmt"
	"strings"

	"github.com/raphaelgruber/atomgraph/internal/llm"
	"github.com/raphaelgruber/atomgraph/internal/models"
)

const defaultSystemPrompt = `You are a knowledge extraction assistant. Read a conversation and extract
the discussion topics and the atomic units of knowledge (atoms) it contains.

Atom types: %s
Link types: %s

Respond with a single JSON object and nothing else:
{
  "topics": [
    {"name": "...", "description": "...", "confidence": 0.0, "keywords": ["..."], "related_message_ids": ["..."]}
  ],
  "atoms": [
    {"type": "...", "title": "...", "content": "...", "confidence": 0.0, "topic_name": "...",
     "related_message_ids": ["..."], "links_to_atom_titles": ["..."], "link_types": ["..."]}
  ]
}

Guidelines:
- Every field is required; use an empty list when there is nothing to report
- Atoms must be self-contained and understandable without the conversation
- topic_name must match the name of a topic in the same response, or be empty
- link_types[i] is the relation to links_to_atom_titles[i]
- confidence is between 0 and 1
- Only reference message ids that appear in the conversation`

// SystemPrompt returns the extraction system prompt. A non-empty override
// replaces the built-in instructions but the output contract is always appended.
func SystemPrompt(override string) string {
	base := fmt.Sprintf(defaultSystemPrompt, joinTypes(models.ExtractableAtomTypes), joinTypes(models.LinkTypes))
	if strings.TrimSpace(override) == "" {
		return base
	}
	return strings.TrimSpace(override) + "\n\n" + base
}

// UserPrompt renders the batch with message ids inline.
func UserPrompt(msgs []models.Message, language string, strengthened bool) string {
	var sb strings.Builder
	sb.WriteString("Conversation:\n")
	for _, m := range msgs {
		fmt.Fprintf(&sb, "[%s] %s", m.Key(), m.SentAt.UTC().Format("2006-01-02 15:04"))
		if m.ThreadID != nil {
			fmt.Fprintf(&sb, " (thread %s)", *m.ThreadID)
		}
		sb.WriteString(": ")
		sb.WriteString(strings.TrimSpace(m.Content))
		sb.WriteString("\n")
	}
	if language != "" {
		name := llm.LanguageName(language)
		fmt.Fprintf(&sb, "\nWrite all names, titles, descriptions and content in %s.\n", name)
		if strengthened {
			fmt.Fprintf(&sb, "IMPORTANT: your previous answer was not in %s. Every text value MUST be written in %s, "+
				"even if the conversation uses another language. Do not translate JSON keys.\n", name, name)
		}
	}
	sb.WriteString("\nExtracted JSON:")
	return sb.String()
}

func joinTypes[T ~string](items []T) string {
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = string(it)
	}
	return strings.Join(parts, ", ")
}
