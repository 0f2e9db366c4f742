package types

// Category classifies what kind of fact a memory records.
type Category string

// The closed category vocabulary. Only the LLM-extractable subset may appear
// in extraction output; "context" and "summary" are system-internal.
const (
	CategoryIdentity     Category = "identity"
	CategoryPreference   Category = "preference"
	CategoryDecision     Category = "decision"
	CategoryFact         Category = "fact"
	CategoryEntity       Category = "entity"
	CategoryCorrection   Category = "correction"
	CategoryTodo         Category = "todo"
	CategoryContext      Category = "context"
	CategorySummary      Category = "summary"
	CategorySkill        Category = "skill"
	CategoryRelationship Category = "relationship"
	CategoryGoal         Category = "goal"
	CategoryInsight      Category = "insight"
	CategoryProjectState Category = "project_state"
	CategoryConstraint   Category = "constraint"
	CategoryPolicy       Category = "policy"

	CategoryAgentSelfImprovement Category = "agent_self_improvement"
	CategoryAgentUserHabit       Category = "agent_user_habit"
	CategoryAgentRelationship    Category = "agent_relationship"
	CategoryAgentPersona         Category = "agent_persona"
)

var allCategories = map[Category]bool{
	CategoryIdentity: true, CategoryPreference: true, CategoryDecision: true,
	CategoryFact: true, CategoryEntity: true, CategoryCorrection: true,
	CategoryTodo: true, CategoryContext: true, CategorySummary: true,
	CategorySkill: true, CategoryRelationship: true, CategoryGoal: true,
	CategoryInsight: true, CategoryProjectState: true, CategoryConstraint: true,
	CategoryPolicy: true, CategoryAgentSelfImprovement: true,
	CategoryAgentUserHabit: true, CategoryAgentRelationship: true,
	CategoryAgentPersona: true,
}

// llmExtractableCategories is the subset an extraction prompt may produce.
// context and summary are reserved for system-written memories.
var llmExtractableCategories = map[Category]bool{
	CategoryIdentity: true, CategoryPreference: true, CategoryDecision: true,
	CategoryFact: true, CategoryEntity: true, CategoryCorrection: true,
	CategoryTodo: true, CategorySkill: true, CategoryRelationship: true,
	CategoryGoal: true, CategoryInsight: true, CategoryProjectState: true,
	CategoryConstraint: true, CategoryPolicy: true,
	CategoryAgentSelfImprovement: true, CategoryAgentUserHabit: true,
	CategoryAgentRelationship: true, CategoryAgentPersona: true,
}

// IsValidCategory reports whether c is in the closed category vocabulary.
func IsValidCategory(c Category) bool { return allCategories[c] }

// IsExtractableCategory reports whether an LLM extraction may emit c.
func IsExtractableCategory(c Category) bool { return llmExtractableCategories[c] }

// ExtractableCategories returns the extractable subset in a stable order,
// for building prompts.
func ExtractableCategories() []Category {
	return []Category{
		CategoryIdentity, CategoryPreference, CategoryDecision, CategoryFact,
		CategoryEntity, CategoryCorrection, CategoryTodo, CategorySkill,
		CategoryRelationship, CategoryGoal, CategoryInsight,
		CategoryProjectState, CategoryConstraint, CategoryPolicy,
		CategoryAgentSelfImprovement, CategoryAgentUserHabit,
		CategoryAgentRelationship, CategoryAgentPersona,
	}
}

// IsValidLayer reports whether l is one of working/core/archive.
func IsValidLayer(l Layer) bool {
	switch l {
	case LayerWorking, LayerCore, LayerArchive:
		return true
	}
	return false
}

// ExtractionSource describes how an extracted memory was grounded.
type ExtractionSource string

const (
	SourceUserStated      ExtractionSource = "user_stated"
	SourceUserImplied     ExtractionSource = "user_implied"
	SourceObservedPattern ExtractionSource = "observed_pattern"
	SourceSystemDefined   ExtractionSource = "system_defined"
	SourceSelfReflection  ExtractionSource = "self_reflection"
)

// IsValidExtractionSource reports whether s is in the closed source set.
func IsValidExtractionSource(s ExtractionSource) bool {
	switch s {
	case SourceUserStated, SourceUserImplied, SourceObservedPattern,
		SourceSystemDefined, SourceSelfReflection:
		return true
	}
	return false
}

// Channel identifies which extraction path produced a result.
type Channel string

const (
	ChannelFast  Channel = "fast"
	ChannelDeep  Channel = "deep"
	ChannelFlush Channel = "flush"
	ChannelMCP   Channel = "mcp"
)

// IsValidChannel reports whether c is a known extraction channel.
func IsValidChannel(c Channel) bool {
	switch c {
	case ChannelFast, ChannelDeep, ChannelFlush, ChannelMCP:
		return true
	}
	return false
}

// relationPredicates is the closed predicate vocabulary for the relation graph.
var relationPredicates = map[string]bool{
	"uses": true, "works_at": true, "lives_in": true, "knows": true,
	"manages": true, "belongs_to": true, "created": true, "prefers": true,
	"studies": true, "skilled_in": true, "collaborates_with": true,
	"reports_to": true, "owns": true, "interested_in": true,
	"related_to": true, "not_uses": true, "not_interested_in": true,
	"dislikes": true,
}

// IsValidPredicate reports whether p is in the closed predicate vocabulary.
func IsValidPredicate(p string) bool { return relationPredicates[p] }

// RelationPredicates returns the predicate vocabulary in a stable order,
// for building prompts.
func RelationPredicates() []string {
	return []string{
		"uses", "works_at", "lives_in", "knows", "manages", "belongs_to",
		"created", "prefers", "studies", "skilled_in", "collaborates_with",
		"reports_to", "owns", "interested_in", "related_to", "not_uses",
		"not_interested_in", "dislikes",
	}
}
