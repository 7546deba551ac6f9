package badge

import (
	"math/rand/v2"
	"strconv"
	"strings"
	"time"
)

const base36Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// suffixLength はバッジIDのランダム部分の文字数。
const suffixLength = 3

// NewBadgeID は B-<unix秒>-<英数字3文字> 形式のバッジIDを生成する。
// 同一秒内の衝突確率は 1/36^3 で、リポジトリの一意制約違反時に再生成する。
func NewBadgeID(now time.Time, intn func(int) int) string {
	var b strings.Builder
	b.WriteString("B-")
	b.WriteString(strconv.FormatInt(now.Unix(), 10))
	b.WriteByte('-')
	for range suffixLength {
		b.WriteByte(base36Alphabet[intn(len(base36Alphabet))])
	}
	return b.String()
}

func defaultIntN(n int) int {
	return rand.IntN(n)
}
