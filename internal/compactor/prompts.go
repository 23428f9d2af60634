// Compaction prompts for the auxiliary model.
//
// USAGE:
//   - SystemPromptCondense + UserPromptCondense(): shrink an oversized user message
//   - SystemPromptMerge + UserPromptMerge():       fold a turn into the running summary
//   - SystemPromptShrink + UserPromptShrink():     emergency re-compression of a summary
package compactor

import (
	"fmt"
	"strings"
)

// SystemPromptCondense rewrites the current user message only; history is
// never touched by this path.
const SystemPromptCondense = `You rewrite student messages to be shorter while losing no meaning.

Guidelines:
1. PRESERVE every named entity, number, count, currency amount, and date exactly
2. PRESERVE the student's actual question or request
3. REMOVE greetings, filler, repetition, and apologies
4. OUTPUT only the rewritten message - no explanations or quotes
5. The rewritten message must fit in 500 characters`

// SystemPromptMerge folds the latest exchange into the running conversation
// summary carried by the memory token.
const SystemPromptMerge = `You maintain a compact running summary of a tutoring conversation.

Guidelines:
1. PRIORITIZE the most recent exchange; older detail may be compressed harder
2. ALWAYS retain named entities, dates, currency amounts, and counts
3. COMPRESS aggressively - the summary is working memory, not a transcript
4. KEEP unresolved questions and commitments the assistant made
5. OUTPUT only the summary text - no headers, no meta-commentary`

// SystemPromptShrink is the second pass applied when a merged summary blows
// past the hard ceiling.
const SystemPromptShrink = `You compress a conversation summary that has grown too long.

Guidelines:
1. TARGET under 3000 characters
2. RETAIN named entities, dates, currency amounts, and counts
3. DROP resolved threads first, then older context
4. OUTPUT only the compressed summary`

// UserPromptCondense formats the condense request.
func UserPromptCondense(message string) string {
	return fmt.Sprintf("Rewrite the following message in at most 500 characters:\n\n%s", message)
}

// UserPromptMerge formats the merge request from the previous summary and the
// raw turns of the current exchange.
func UserPromptMerge(prevSummary string, turns []Turn, userMsg, assistantMsg string) string {
	var b strings.Builder
	if prevSummary != "" {
		fmt.Fprintf(&b, "Previous summary:\n%s\n\n", prevSummary)
	}
	if len(turns) > 0 {
		b.WriteString("Recent turns:\n")
		for _, t := range turns {
			fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Latest exchange:\nuser: %s\nassistant: %s\n\nProduce the updated summary.", userMsg, assistantMsg)
	return b.String()
}

// UserPromptShrink formats the emergency re-compression request.
func UserPromptShrink(summary string) string {
	return fmt.Sprintf("Compress the following summary to under 3000 characters:\n\n%s", summary)
}
