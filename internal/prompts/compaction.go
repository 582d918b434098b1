package prompts

import "fmt"

// compactionTemplate is the prompt sent to an LLM to fold old
// conversation history into a summary. The single format verb is the
// conversation text.
const compactionTemplate = `Summarize this conversation concisely. Focus on:
1. Key topics discussed
2. Decisions made or preferences expressed
3. Actions taken (capability calls, their outcomes)
4. Any open items or things to follow up on

Keep the summary under 300 words. Use bullet points.

Conversation:
%s

Summary:`

// Compaction returns the interpolated prompt for history compaction.
// The caller passes the formatted conversation text (role: content
// pairs).
func Compaction(conversationText string) string {
	return fmt.Sprintf(compactionTemplate, conversationText)
}
