package signal

import (
	"strings"
	"unicode/utf8"
)

// smallTalkPhrases is the closed list of greetings and acknowledgements that
// never warrant memory retrieval, in English, Chinese and Japanese.
var smallTalkPhrases = map[string]bool{
	// English
	"hi": true, "hello": true, "hey": true, "yo": true,
	"good morning": true, "good afternoon": true, "good evening": true,
	"good night": true, "how are you": true, "what's up": true,
	"thanks": true, "thank you": true, "thx": true, "ty": true,
	"ok": true, "okay": true, "sure": true, "yes": true, "no": true,
	"yep": true, "nope": true, "cool": true, "nice": true, "great": true,
	"got it": true, "sounds good": true, "bye": true, "goodbye": true,
	"see you": true, "lol": true, "haha": true,

	// Chinese
	"你好": true, "您好": true, "嗨": true, "哈喽": true,
	"早上好": true, "下午好": true, "晚上好": true, "晚安": true,
	"谢谢": true, "谢了": true, "多谢": true, "感谢": true,
	"好的": true, "好": true, "嗯": true, "嗯嗯": true, "行": true,
	"可以": true, "是": true, "是的": true, "不是": true, "对": true,
	"再见": true, "拜拜": true, "哈哈": true, "哈哈哈": true, "在吗": true,

	// Japanese
	"こんにちは": true, "こんばんは": true, "おはよう": true,
	"おはようございます": true, "おやすみ": true, "ありがとう": true,
	"ありがとうございます": true, "はい": true, "いいえ": true,
	"うん": true, "そうです": true, "じゃあね": true, "またね": true,
	"よろしく": true, "お疲れ様": true,
}

var smallTalkTrim = ".,!?;:~ 。！？，；：～　"

// IsSmallTalk reports whether query is a greeting or acknowledgement that
// should skip recall entirely: a phrase from the closed list, or very short
// text (≤ 2 runes) that isn't CJK.
func IsSmallTalk(query string) bool {
	q := strings.TrimSpace(query)
	q = strings.Trim(q, smallTalkTrim)
	if q == "" {
		return true
	}

	if smallTalkPhrases[strings.ToLower(q)] {
		return true
	}

	// Very short Latin queries carry no signal. Two CJK runes can be a real
	// query ("东京", "天气"), so they pass.
	if utf8.RuneCountInString(q) <= 2 && !containsCJK(q) {
		return true
	}
	return false
}

func containsCJK(s string) bool {
	for _, r := range s {
		if r >= 0x4E00 && r <= 0x9FFF {
			return true
		}
		if r >= 0x3040 && r <= 0x30FF { // hiragana + katakana
			return true
		}
	}
	return false
}
