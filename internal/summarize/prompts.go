package summarize

// SystemPrompt frames the model as a transcript analyst that answers in JSON.
const SystemPrompt = `You are an assistant that analyzes voice conversation transcripts.

Your job is to:
1. Write a clean, coherent 2-3 sentence summary (prose, not bullet points)
2. Extract actionable tasks (they must have verbs such as do, call, send, review, schedule)
3. Identify key ideas, insights or important points
4. Categorize the conversation
5. Determine sentiment
6. Extract key entities (people, companies, dates, places)

Return ONLY valid JSON, no other text.`

// AnalysisPrompt is filled with the transcript via fmt.Sprintf.
const AnalysisPrompt = `Analyze this voice conversation transcript:

"""
%s
"""

Return JSON in exactly this format:
{
  "summary": "A coherent 2-3 sentence narrative summary of the conversation",
  "tasks": [
    {"text": "actionable task description", "priority": "high|medium|low"}
  ],
  "ideas": ["key insight or idea mentioned"],
  "category": "work|personal|meeting|brainstorm|note|other",
  "sentiment": "positive|neutral|negative",
  "key_entities": ["names", "companies", "dates", "locations mentioned"]
}

Rules:
- The summary must be narrative prose
- Only include tasks that are explicitly mentioned or strongly implied
- Ideas are insights, suggestions or creative thoughts
- Use empty arrays [] when there are no tasks or ideas`

// TermsPrompt is appended when the user registered custom spellings.
const TermsPrompt = "\n\nIMPORTANT: When summarizing, make sure these names and terms are spelled exactly like this: %s"
