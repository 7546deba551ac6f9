package badge

import "strings"

// PromptPrefix は単語の羅列を文として受け付けさせるための接頭辞。
const PromptPrefix = "A cohesive art piece inspired by: "

// PromptWordCount はプロンプトに含める単語数。
const PromptWordCount = 5

// BuildPrompt は語彙から一様・復元抽出で単語を選び、プロンプトを組み立てる。
// wordsは空であってはならない。
func BuildPrompt(words []string, intn func(int) int) string {
	picked := make([]string, PromptWordCount)
	for i := range picked {
		picked[i] = words[intn(len(words))]
	}
	return PromptPrefix + strings.Join(picked, " ")
}
