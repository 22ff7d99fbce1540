package pipeline

import (
	"regexp"
	"strings"
	"time"
	"unicode"

	"desk-assist-go/internal/model"
)

// greetingWords 覆盖俄语、哈萨克语（含拉丁转写）与英语的常见问候语。
var greetingWords = []string{
	"привет",
	"здравствуйте",
	"здравствуй",
	"доброе утро",
	"добрый день",
	"добрый вечер",
	"хай",
	"hello",
	"hi",
	"сәлем",
	"сәлеметсізбе",
	"салеметсизбе",
	"кайырлы кун",
	"қайырлы күн",
}

// containsGreeting 按整词匹配问候语，避免 "this" 之类的误判。
func containsGreeting(text string) bool {
	if text == "" {
		return false
	}
	padded := paddedWords(text)
	for _, g := range greetingWords {
		if strings.Contains(padded, " "+g+" ") {
			return true
		}
	}
	return false
}

// paddedWords 把文本小写化并按非字母数字切词，以单个空格连接，首尾各补一个空格，
// 这样 " word " 形式的查找就是整词匹配。
func paddedWords(text string) string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return " " + strings.Join(words, " ") + " "
}

// recentGreeting 检查 window 内的历史消息（用户或机器人一侧）是否出现过问候语。
func recentGreeting(history []model.Message, now time.Time, window time.Duration) bool {
	threshold := now.Add(-window)
	for _, m := range history {
		if m.CreatedAt.Before(threshold) {
			continue
		}
		if containsGreeting(m.Text) || containsGreeting(m.Response) {
			return true
		}
	}
	return false
}

var (
	boldPattern   = regexp.MustCompile(`\*\*([^*\n]+)\*\*`)
	italicPattern = regexp.MustCompile(`\*([^*\n]+)\*`)
	bulletPattern = regexp.MustCompile(`(?m)^(\s*)\*\s+`)
)

// stripEmphasis 去掉 Markdown 的 * 与 ** 强调标记，星号列表改为短横线。
func stripEmphasis(text string) string {
	text = bulletPattern.ReplaceAllString(text, "$1- ")
	text = boldPattern.ReplaceAllString(text, "$1")
	text = italicPattern.ReplaceAllString(text, "$1")
	return strings.ReplaceAll(text, "**", "")
}
