package signal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexmem/cortex/pkg/types"
)

func findSignal(signals []types.Signal, category types.Category) *types.Signal {
	for i := range signals {
		if signals[i].Category == category {
			return &signals[i]
		}
	}
	return nil
}

func TestDetectIdentityChinese(t *testing.T) {
	d := NewDetector()
	signals := d.Detect("我叫Harry，住在东京", "你好 Harry！")

	sig := findSignal(signals, types.CategoryIdentity)
	require.NotNil(t, sig, "identity signal expected")
	assert.Contains(t, sig.Content, "Harry")
	assert.InDelta(t, 0.85, sig.Confidence, 1e-9)
	assert.GreaterOrEqual(t, sig.Importance, 0.8)
}

func TestDetectEnglishPreferenceAndDecision(t *testing.T) {
	d := NewDetector()
	signals := d.Detect(
		"I prefer dark mode. We've decided to switch the proxy to Caddy.",
		"Understood.",
	)

	require.NotNil(t, findSignal(signals, types.CategoryPreference))
	decision := findSignal(signals, types.CategoryDecision)
	require.NotNil(t, decision)
	assert.Contains(t, decision.Content, "Caddy")
}

func TestDetectOneSignalPerRule(t *testing.T) {
	d := NewDetector()
	// Both patterns of preference_like would match; only one signal may fire.
	signals := d.Detect("I like coffee. I love tea. My favorite is matcha.", "")

	count := 0
	for _, s := range signals {
		if s.Pattern == "preference_like" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestDetectAgentRulesRunAgainstAssistantOnly(t *testing.T) {
	d := NewDetector()

	// The habit phrasing appears in user text: no agent signal.
	signals := d.Detect("I've noticed you often reply late", "ok")
	assert.Nil(t, findSignal(signals, types.CategoryAgentUserHabit))

	signals = d.Detect("thanks", "I've noticed you often paste stack traces, so I'll lead with the root cause.")
	habit := findSignal(signals, types.CategoryAgentUserHabit)
	require.NotNil(t, habit)
	assert.Contains(t, habit.Content, "stack traces")
}

func TestDetectStripsInjectedBlocks(t *testing.T) {
	d := NewDetector()
	signals := d.Detect(
		"<cortex_memory>[核心记忆] My name is Fakebot</cortex_memory>what's the weather",
		"<tool_result>my name is Toolbot</tool_result>sunny",
	)
	assert.Nil(t, findSignal(signals, types.CategoryIdentity),
		"injected blocks must not produce signals")
}

func TestSanitizeMessage(t *testing.T) {
	assert.Equal(t, "what's the weather",
		SanitizeMessage("<cortex_memory>[核心记忆] x</cortex_memory>what's the weather"))

	assert.Equal(t, "hello there",
		SanitizeMessage("user: hello there"))

	assert.Equal(t, "broken block gone",
		SanitizeMessage("broken block gone<system>dangling without close"))

	assert.Equal(t, "real content",
		SanitizeMessage("session_id: abc-123\nreal content"))

	assert.Equal(t, "", SanitizeMessage("<memory>only a block</memory>"))
}

func TestExtractSentenceBounds(t *testing.T) {
	text := "Unrelated intro. My name is Harry. Another sentence."
	loc := []int{17, 33} // "My name is Harry"
	got := extractSentence(text, loc[0], loc[1])
	assert.Equal(t, "My name is Harry.", got)
}

func TestExtractSentenceWindowFallback(t *testing.T) {
	// One giant sentence without boundaries forces the −50/+200 window.
	long := ""
	for i := 0; i < 400; i++ {
		long += "x"
	}
	text := long + " my name is Harry " + long
	start := len(long) + 1
	end := start + len("my name is Harry")

	got := extractSentence(text, start, end)
	assert.Contains(t, got, "my name is Harry")
	assert.LessOrEqual(t, len([]rune(got)), windowBefore+windowAfter+len("my name is Harry")+2)
}

func TestIsSmallTalk(t *testing.T) {
	assert.True(t, IsSmallTalk("hi"))
	assert.True(t, IsSmallTalk("Hello!"))
	assert.True(t, IsSmallTalk("你好"))
	assert.True(t, IsSmallTalk("谢谢！"))
	assert.True(t, IsSmallTalk("ありがとう"))
	assert.True(t, IsSmallTalk("ok"))
	assert.True(t, IsSmallTalk(""))

	assert.False(t, IsSmallTalk("Where does Harry live?"))
	assert.False(t, IsSmallTalk("东京"))
	assert.False(t, IsSmallTalk("what did we decide about the proxy"))
}

func TestLoadRuleFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "patterns.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - name: custom_pet
    category: fact
    importance: 0.6
    patterns:
      - '(?i)\bmy (cat|dog) is named\b'
`), 0o644))

	rules, err := LoadRuleFile(path)
	require.NoError(t, err)
	require.Len(t, rules, 1)

	d := NewDetector(rules...)
	signals := d.Detect("My dog is named Biscuit", "")
	sig := findSignal(signals, types.CategoryFact)
	require.NotNil(t, sig)
	assert.Equal(t, "custom_pet", sig.Pattern)
}

func TestLoadRuleFileRejectsBadRules(t *testing.T) {
	dir := t.TempDir()

	for name, content := range map[string]string{
		"bad_category.yaml": "rules:\n  - name: x\n    category: nope\n    importance: 0.5\n    patterns: ['a']\n",
		"bad_regex.yaml":    "rules:\n  - name: x\n    category: fact\n    importance: 0.5\n    patterns: ['[']\n",
		"no_patterns.yaml":  "rules:\n  - name: x\n    category: fact\n    importance: 0.5\n    patterns: []\n",
	} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		_, err := LoadRuleFile(path)
		assert.Error(t, err, name)
	}
}
