// Package signal implements the regex-based fast extraction channel: a
// pattern table over user and assistant text that produces tentative
// category/importance signals without any model call, plus the small-talk
// gate and the shared message sanitizer.
package signal

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/cortexmem/cortex/pkg/types"
)

// Rule is one pattern entry. Patterns are data, not code: new locales and
// categories are additive rows in this table.
type Rule struct {
	Name       string
	Category   types.Category
	Importance float64
	Patterns   []*regexp.Regexp

	// AssistantSide routes the rule against assistant text instead of user
	// text. All agent_* categories are assistant-side.
	AssistantSide bool
}

// signalConfidence is carried by every fast-channel signal.
const signalConfidence = 0.85

func mustCompile(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(e)
	}
	return out
}

// builtinRules is the default pattern table, CJK and Latin side by side.
var builtinRules = []Rule{
	{
		Name:       "identity_name",
		Category:   types.CategoryIdentity,
		Importance: 0.9,
		Patterns: mustCompile(
			`我叫[\p{Han}A-Za-z0-9·]{1,20}`,
			`我的名字是[\p{Han}A-Za-z0-9·]{1,20}`,
			`(?i)\bmy name is\s+\S+`,
			`(?i)\bcall me\s+\S+`,
			`(?i)\bi(?:'| a)m called\s+\S+`,
		),
	},
	{
		Name:       "identity_location",
		Category:   types.CategoryIdentity,
		Importance: 0.85,
		Patterns: mustCompile(
			`我(?:住在|在|来自|搬到了?)[\p{Han}A-Za-z0-9]{1,20}`,
			`(?i)\bi live in\s+\S+`,
			`(?i)\bi(?:'| a)m (?:from|based in)\s+\S+`,
			`(?i)\bi moved to\s+\S+`,
		),
	},
	{
		Name:       "identity_role",
		Category:   types.CategoryIdentity,
		Importance: 0.8,
		Patterns: mustCompile(
			`我是一?[个名位]?[\p{Han}A-Za-z]{2,12}(?:师|员|生|家|手|长)`,
			`我的职业是`,
			`(?i)\bi work as\s+\S+`,
			`(?i)\bi(?:'| a)m an?\s+(?:developer|engineer|designer|student|teacher|researcher|manager|writer)\b`,
		),
	},
	{
		Name:       "preference_like",
		Category:   types.CategoryPreference,
		Importance: 0.7,
		Patterns: mustCompile(
			`我(?:比较|更|最)?(?:喜欢|偏好|习惯|倾向于?)`,
			`(?i)\bi (?:really )?(?:like|love|prefer|enjoy)\b`,
			`(?i)\bi(?:'d| would) rather\b`,
			`(?i)\bmy favorite\b`,
		),
	},
	{
		Name:       "preference_dislike",
		Category:   types.CategoryPreference,
		Importance: 0.7,
		Patterns: mustCompile(
			`我(?:不喜欢|讨厌|受不了|不想要?)`,
			`(?i)\bi (?:hate|dislike|can't stand)\b`,
			`(?i)\bi don't (?:like|want)\b`,
		),
	},
	{
		Name:       "decision",
		Category:   types.CategoryDecision,
		Importance: 0.85,
		Patterns: mustCompile(
			`我?(?:决定|打算|计划|确定)(?:了|要|把|将)?`,
			`(?:以后|今后|之后)(?:全部|都|一律)?(?:换成|改用|使用|用)`,
			`(?i)\b(?:i|we)(?:'ve| have)? decided to\b`,
			`(?i)\blet's go with\b`,
			`(?i)\bfrom now on\b`,
			`(?i)\bwe(?:'re| are) switching to\b`,
		),
	},
	{
		Name:       "correction",
		Category:   types.CategoryCorrection,
		Importance: 0.85,
		Patterns: mustCompile(
			`(?:不对|不是这样|说错了|更正一下|纠正一下)`,
			`我(?:刚才|之前)说错`,
			`(?i)\b(?:actually|correction)[,:]`,
			`(?i)\bthat(?:'s| is) (?:wrong|incorrect)\b`,
			`(?i)\bi was wrong about\b`,
		),
	},
	{
		Name:       "todo",
		Category:   types.CategoryTodo,
		Importance: 0.6,
		Patterns: mustCompile(
			`(?:记得|提醒我|别忘了?)`,
			`我(?:明天|下周|回头|稍后|晚点)要`,
			`(?i)\bremind me to\b`,
			`(?i)\bi need to\s+\S+`,
			`(?i)\bdon't forget to\b`,
			`(?i)\btodo[:：]`,
		),
	},
	{
		Name:       "fact_possession",
		Category:   types.CategoryFact,
		Importance: 0.6,
		Patterns: mustCompile(
			`我(?:有|养了?|买了?)[\p{Han}A-Za-z0-9]{1,20}`,
			`(?i)\bi (?:have|own|bought)\s+(?:a|an|two|three|\d+)\b`,
		),
	},
	{
		Name:       "skill",
		Category:   types.CategorySkill,
		Importance: 0.65,
		Patterns: mustCompile(
			`我(?:会|擅长|熟悉|精通)[\p{Han}A-Za-z0-9+#]{1,20}`,
			`(?i)\bi(?:'m| am) (?:good|great|proficient) (?:at|in|with)\b`,
			`(?i)\bi know how to\b`,
		),
	},
	{
		Name:       "relationship",
		Category:   types.CategoryRelationship,
		Importance: 0.7,
		Patterns: mustCompile(
			`我(?:的)?(?:老婆|丈夫|妻子|女儿|儿子|爸爸|妈妈|同事|老板|朋友)`,
			`(?i)\bmy (?:wife|husband|daughter|son|mom|dad|boss|coworker|colleague|friend)\b`,
		),
	},
	{
		Name:       "goal",
		Category:   types.CategoryGoal,
		Importance: 0.7,
		Patterns: mustCompile(
			`我(?:的目标是|希望能?|想要?在?今年|争取)`,
			`(?i)\bmy goal is\b`,
			`(?i)\bi(?:'m| am) (?:trying|aiming|working toward)s? to\b`,
		),
	},
	{
		Name:       "constraint",
		Category:   types.CategoryConstraint,
		Importance: 0.7,
		Patterns: mustCompile(
			`我(?:不能|没法|必须|只能)`,
			`(?:预算|时间)(?:有限|不够|紧张)`,
			`(?i)\bi (?:can't|cannot|must|have to)\b`,
			`(?i)\bmy budget is\b`,
			`(?i)\bdeadline is\b`,
		),
	},

	// Assistant-side rules feed the agent_* categories.
	{
		Name:          "agent_self_improvement",
		Category:      types.CategoryAgentSelfImprovement,
		Importance:    0.6,
		AssistantSide: true,
		Patterns: mustCompile(
			`我(?:下次|以后)(?:会|应该)(?:注意|改进|避免)`,
			`(?i)\bi(?:'ll| will) (?:remember|keep in mind|avoid) (?:that|this)\b`,
			`(?i)\bnext time i(?:'ll| will)\b`,
		),
	},
	{
		Name:          "agent_user_habit",
		Category:      types.CategoryAgentUserHabit,
		Importance:    0.6,
		AssistantSide: true,
		Patterns: mustCompile(
			`(?:注意到|观察到)(?:你|您)(?:经常|总是|习惯)`,
			`(?i)\bi(?:'ve| have) noticed (?:that )?you (?:often|usually|always|tend to)\b`,
		),
	},
	{
		Name:          "agent_persona",
		Category:      types.CategoryAgentPersona,
		Importance:    0.55,
		AssistantSide: true,
		Patterns: mustCompile(
			`(?:好的|明白)，我(?:会|将)(?:保持|继续)(?:用|以)`,
			`(?i)\bi(?:'ll| will) (?:keep|stay|continue) (?:being|using|in)\b`,
		),
	},
}

// yamlRule is the on-disk shape of one extra pattern rule.
type yamlRule struct {
	Name          string   `yaml:"name"`
	Category      string   `yaml:"category"`
	Importance    float64  `yaml:"importance"`
	AssistantSide bool     `yaml:"assistant_side"`
	Patterns      []string `yaml:"patterns"`
}

type yamlPatternFile struct {
	Rules []yamlRule `yaml:"rules"`
}

// LoadRuleFile parses additional rules from a YAML file. Loaded rules are
// additive to the built-in table; an invalid rule fails the whole load so a
// typo never silently drops patterns.
func LoadRuleFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("signal: read pattern file: %w", err)
	}

	var file yamlPatternFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("signal: parse pattern file: %w", err)
	}

	rules := make([]Rule, 0, len(file.Rules))
	for i, yr := range file.Rules {
		if yr.Name == "" {
			return nil, fmt.Errorf("signal: rule %d has no name", i)
		}
		cat := types.Category(yr.Category)
		if !types.IsValidCategory(cat) {
			return nil, fmt.Errorf("signal: rule %q has unknown category %q", yr.Name, yr.Category)
		}
		if yr.Importance < 0 || yr.Importance > 1 {
			return nil, fmt.Errorf("signal: rule %q importance out of range", yr.Name)
		}
		if len(yr.Patterns) == 0 {
			return nil, fmt.Errorf("signal: rule %q has no patterns", yr.Name)
		}
		compiled := make([]*regexp.Regexp, len(yr.Patterns))
		for j, p := range yr.Patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("signal: rule %q pattern %d: %w", yr.Name, j, err)
			}
			compiled[j] = re
		}
		rules = append(rules, Rule{
			Name:          yr.Name,
			Category:      cat,
			Importance:    yr.Importance,
			AssistantSide: yr.AssistantSide,
			Patterns:      compiled,
		})
	}
	return rules, nil
}
