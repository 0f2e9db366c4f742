package llm

import (
	"fmt"
	"strings"

	"github.com/cortexmem/cortex/pkg/types"
)

// categoryDescriptions maps extractable categories to brief descriptions
// used when building extraction prompts.
var categoryDescriptions = map[types.Category]string{
	types.CategoryIdentity:             "Who the user is: name, location, role, background",
	types.CategoryPreference:           "Likes, dislikes, preferred tools or styles",
	types.CategoryDecision:             "A decision the user made or reversed",
	types.CategoryFact:                 "A stable fact about the user's world",
	types.CategoryEntity:               "A named person, organization, tool or project",
	types.CategoryCorrection:           "User corrected earlier information",
	types.CategoryTodo:                 "Something the user intends to do",
	types.CategorySkill:                "An ability or competence the user has",
	types.CategoryRelationship:         "How people or entities relate to each other",
	types.CategoryGoal:                 "A longer-term objective",
	types.CategoryInsight:              "A non-obvious conclusion about the user",
	types.CategoryProjectState:         "Current state of a project the user works on",
	types.CategoryConstraint:           "A limitation the user operates under",
	types.CategoryPolicy:               "A rule the user wants followed",
	types.CategoryAgentSelfImprovement: "Feedback about the assistant's own behavior",
	types.CategoryAgentUserHabit:       "A recurring usage pattern of this user",
	types.CategoryAgentRelationship:    "The evolving assistant-user relationship",
	types.CategoryAgentPersona:         "Persona traits the assistant should keep",
}

func categoryList() string {
	var b strings.Builder
	for _, c := range types.ExtractableCategories() {
		fmt.Fprintf(&b, "- %s: %s\n", c, categoryDescriptions[c])
	}
	return b.String()
}

func predicateList() string {
	return strings.Join(types.RelationPredicates(), ", ")
}

// ExtractionPrompt builds the deep-channel prompt for one exchange plus its
// recent context. The model must answer with a single strict JSON object.
func ExtractionPrompt(contextMessages []string, userMessage, assistantMessage string) string {
	var contextBlock string
	if len(contextMessages) > 0 {
		contextBlock = "RECENT CONTEXT (for reference only, do not extract from it):\n" +
			strings.Join(contextMessages, "\n") + "\n\n"
	}

	return fmt.Sprintf(`TASK: Extract durable memories about the user from this exchange.
OUTPUT: ONLY valid JSON. NO markdown. NO code blocks. NO explanations.

%sEXCHANGE:
user: %s
assistant: %s

CATEGORIES (ONLY these):
%s
SOURCES (ONLY these): user_stated, user_implied, observed_pattern, system_defined, self_reflection

RELATION PREDICATES (ONLY these): %s

REQUIRED JSON STRUCTURE:
{
  "memories": [
    {"content":"...","category":"identity","importance":0.9,"source":"user_stated","reasoning":"..."}
  ],
  "relations": [
    {"subject":"Harry","predicate":"lives_in","object":"Tokyo","confidence":0.9,"expired":false}
  ],
  "nothing_extracted": false
}

RULES:
1. Response MUST start with { and end with }.
2. Extract ONLY lasting facts, preferences, decisions. Skip small talk and one-off requests.
3. content is a standalone sentence in the language of the exchange.
4. importance is 0.0-1.0. Identity and decisions are high; trivia is low.
5. Relation subject and object are 1-5 words. Never include secrets, keys, or credentials.
6. If nothing is worth remembering: {"memories":[],"relations":[],"nothing_extracted":true}`,
		contextBlock, userMessage, assistantMessage, categoryList(), predicateList())
}

// SmartUpdatePrompt builds the prompt deciding how a near-duplicate new
// memory relates to an existing one.
func SmartUpdatePrompt(existing, incoming string) string {
	return fmt.Sprintf(`TASK: Compare an existing memory with new information.
OUTPUT: ONLY valid JSON. NO markdown.

EXISTING: %s
NEW: %s

Pick exactly one action:
- "keep": new adds nothing over existing
- "replace": new supersedes existing (updated value of the same fact)
- "merge": both hold complementary details; provide merged_content combining them
- "conflict": new directly contradicts existing (location/tool/role/preference reversal)

REQUIRED JSON STRUCTURE:
{"action":"replace","merged_content":"","reason":"..."}

merged_content is required only for "merge". Respond with the JSON object only.`,
		existing, incoming)
}

// FlushHighlightsPrompt builds the first flush call: a short bullet list of
// lasting outcomes from the whole conversation, in its own language.
func FlushHighlightsPrompt(conversation string) string {
	return fmt.Sprintf(`TASK: Summarize the lasting outcomes of this conversation.
OUTPUT: 3-6 short bullet lines, plain text, same language as the conversation. No JSON, no headers.

Focus on decisions made, facts established, and open follow-ups. Skip pleasantries and process chatter.

CONVERSATION:
%s`, conversation)
}

// FlushExtractionPrompt builds the second flush call: structured core items
// distilled from the whole conversation. Same schema as the deep channel.
func FlushExtractionPrompt(conversation string) string {
	return fmt.Sprintf(`TASK: Distill this whole conversation into durable memories about the user.
OUTPUT: ONLY valid JSON. NO markdown. NO code blocks.

CONVERSATION:
%s

CATEGORIES (ONLY these):
%s
SOURCES (ONLY these): user_stated, user_implied, observed_pattern, system_defined, self_reflection

RELATION PREDICATES (ONLY these): %s

REQUIRED JSON STRUCTURE:
{
  "memories": [
    {"content":"...","category":"decision","importance":0.8,"source":"user_stated","reasoning":"..."}
  ],
  "relations": [
    {"subject":"...","predicate":"uses","object":"...","confidence":0.8,"expired":false}
  ],
  "nothing_extracted": false
}

RULES:
1. Response MUST start with { and end with }.
2. Prefer few high-value memories over many weak ones (at most 10).
3. content is a standalone sentence in the language of the conversation.
4. If nothing is worth remembering: {"memories":[],"relations":[],"nothing_extracted":true}`,
		conversation, categoryList(), predicateList())
}

// QueryEnrichPrompt builds the expansion prompt for short queries: one
// enriched query combining the original with related keywords.
func QueryEnrichPrompt(query string) string {
	return fmt.Sprintf(`TASK: Enrich a short search query for memory retrieval.
OUTPUT: one single line, the original query followed by 3-5 related keywords or synonyms, same language. No JSON, no quotes, no explanations.

QUERY: %s`, query)
}

// QueryVariantsPrompt builds the expansion prompt for longer queries: up to
// two rephrasings in the same language.
func QueryVariantsPrompt(query string) string {
	return fmt.Sprintf(`TASK: Rephrase a search query for memory retrieval.
OUTPUT: a JSON array of up to 2 alternative phrasings, same language as the original. Example: ["...","..."]
No markdown, no explanations.

QUERY: %s`, query)
}

// ProfilePrompt builds the per-agent profile synthesis prompt over the
// highest-importance core memories, grouped by category.
func ProfilePrompt(memoriesByCategory map[string][]string) string {
	var b strings.Builder
	for category, contents := range memoriesByCategory {
		fmt.Fprintf(&b, "[%s]\n", category)
		for _, c := range contents {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}

	return fmt.Sprintf(`TASK: Write a compact profile of this user from their stored memories.
OUTPUT: plain text, 3-8 sentences, same language as the memories. No JSON, no headers, no bullet points.

Cover who they are, what they work on, strong preferences, and how the assistant should adapt. State only what the memories support.

MEMORIES:
%s`, b.String())
}

// SuperSummaryPrompt builds the archive-compression prompt: several expiring
// memories rolled up into one 2-5 sentence summary.
func SuperSummaryPrompt(contents []string) string {
	var b strings.Builder
	for _, c := range contents {
		fmt.Fprintf(&b, "- %s\n", c)
	}

	return fmt.Sprintf(`TASK: Compress these aging memories into one summary.
OUTPUT: plain text, 2-5 sentences, same language as the memories. No JSON, no bullet points.

Preserve every distinct fact that still matters; drop repetition and transient detail.

MEMORIES:
%s`, b.String())
}

// RerankPrompt builds a scoring prompt for the LLM-backed reranker.
func RerankPrompt(query string, documents []string) string {
	var b strings.Builder
	for i, d := range documents {
		fmt.Fprintf(&b, "%d. %s\n", i, d)
	}

	return fmt.Sprintf(`TASK: Score each document's relevance to the query.
OUTPUT: ONLY a JSON array of numbers in 0.0-1.0, one per document, in order. Example: [0.9,0.1,0.4]
No markdown, no explanations.

QUERY: %s

DOCUMENTS:
%s`, query, b.String())
}
