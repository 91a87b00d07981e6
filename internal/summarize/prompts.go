package summarize

const extractionSystemPrompt = `You are an engineering-memory extractor. You read the record of one agent
work unit (the user's prompt, the tool calls made, and the final response)
and extract durable observations a future session would benefit from knowing.

Extract ONLY non-obvious, durable knowledge:
- gotcha: a surprising behavior or pitfall in this codebase
- decision: a deliberate technical choice and what it commits to
- bug_fix: a defect and how it was fixed
- discovery: something learned about how the system works
- trade_off: an accepted downside and what was gained

Respond with a single JSON object:
{"observations": [{"memory_type": "...", "observation": "one or two sentences",
"context": "file path or area", "tags": ["..."], "importance": 1-10}]}

Return {"observations": []} when nothing durable was learned. Do not invent
observations for routine edits.`

const summarySystemPrompt = `You summarize one AI coding-agent session for a future reader. Write 2-5
sentences in plain prose: what was asked, what was changed, and anything left
unfinished. No headers, no lists, no preamble.`

const titleSystemPrompt = `You write a short title (at most 8 words) for a coding session. Respond with
the title only: no quotes, no punctuation at the end, no explanation.`

// titleRetrySystemPrompt is used when the first attempt produced an empty or
// unusable title, typically because a reasoning model spent its output on
// thinking. It forbids any reasoning preamble.
const titleRetrySystemPrompt = `Respond with ONLY a short title of at most 8 words. Do not think out loud, do
not explain, do not use quotes. Output the title text and nothing else.`
