package prompts

import "fmt"

// factExtractionTemplate is the prompt sent to the fast model to
// extract durable facts from one completed turn. The two format verbs
// are the user message and the assistant response.
const factExtractionTemplate = `Extract facts from this exchange that would be useful to remember in
future conversations. Focus on:
- Preferences the user expressed (food, schedules, tools, style)
- Personal information the user shared (names, relationships, places)
- Projects and commitments mentioned
- Corrections to things you previously believed
- Lessons from capability failures worth remembering

Valid categories: identity, preference, project, context, lesson

Return JSON only. Examples:

{"worth_persisting": true, "facts": [
  {"category": "preference", "subject": "coffee", "content": "Drinks flat whites, no sugar", "confidence": 0.9}
]}

{"worth_persisting": true, "facts": [
  {"category": "identity", "subject": "partner_name", "content": "Partner is named Alex", "confidence": 0.85},
  {"category": "project", "subject": "garden_planner", "content": "Building a garden planner app, wants it done by July", "confidence": 0.8}
]}

A correction names the fact it replaces:
{"worth_persisting": true, "facts": [
  {"category": "preference", "subject": "coffee", "content": "Switched to decaf", "confidence": 0.9, "replaces": "<fact-id>"}
]}

If nothing is worth remembering:
{"worth_persisting": false, "facts": []}

User: %s
Assistant: %s

JSON:`

// FactExtraction returns the interpolated prompt for post-turn fact
// extraction.
func FactExtraction(userMsg, assistantResp string) string {
	return fmt.Sprintf(factExtractionTemplate, userMsg, assistantResp)
}
