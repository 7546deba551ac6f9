package badge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/attendance/internal/cache"
)

const (
	// WordListCacheKey は語彙リストのキャッシュキー。
	WordListCacheKey = "WORD_LIST"
	// DefaultWordListTTL は語彙リストのキャッシュ有効期間。
	DefaultWordListTTL = 21600 * time.Second
	// truncatedWordCount はキャッシュ容量を超えた場合に残す先頭の単語数。
	truncatedWordCount = 5000
	// maxWordListBytes は取得する語彙リストの最大サイズ。
	maxWordListBytes = 5 << 20
)

// FallbackWords は語彙リストを取得できない場合に使用する組み込みの語彙。
var FallbackWords = []string{"robot", "future", "tech", "space", "cyber", "data", "code", "mech", "gear", "volt"}

// WordListProvider はキャッシュ付きで語彙リストを提供する。
type WordListProvider struct {
	cache      cache.Store
	httpClient *http.Client
	logger     *slog.Logger
	url        string
	ttl        time.Duration
}

// NewWordListProvider はWordListProviderを生成する。ttlが0以下の場合は6時間。
func NewWordListProvider(store cache.Store, httpClient *http.Client, logger *slog.Logger, url string, ttl time.Duration) *WordListProvider {
	if ttl <= 0 {
		ttl = DefaultWordListTTL
	}
	return &WordListProvider{
		cache:      store,
		httpClient: httpClient,
		logger:     logger,
		url:        url,
		ttl:        ttl,
	}
}

// GetWordList は語彙リストを返す。エラーを返すことはない。
// キャッシュにあればそのまま返し、なければ取得してキャッシュする。
// 取得に失敗した場合はFallbackWordsを返す。
func (p *WordListProvider) GetWordList(ctx context.Context) []string {
	if words, ok := p.cached(ctx); ok {
		return words
	}

	words, err := p.fetch(ctx)
	if err != nil {
		p.logger.Error("語彙リストの取得に失敗しました。組み込みの語彙を使用します",
			slog.String("error", err.Error()),
		)
		return append([]string(nil), FallbackWords...)
	}

	if err := p.store(ctx, words); err != nil {
		if !errors.Is(err, cache.ErrValueTooLarge) {
			p.logger.Warn("語彙リストのキャッシュに失敗しました",
				slog.String("error", err.Error()),
			)
			return words
		}
		p.logger.Warn("語彙リストがキャッシュ上限を超えたため先頭のみを使用します",
			slog.Int("word_count", len(words)),
			slog.Int("truncated_to", truncatedWordCount),
		)
		if len(words) > truncatedWordCount {
			words = words[:truncatedWordCount]
		}
		if err := p.store(ctx, words); err != nil {
			p.logger.Warn("切り詰めた語彙リストのキャッシュに失敗しました",
				slog.String("error", err.Error()),
			)
		}
	}

	return words
}

func (p *WordListProvider) cached(ctx context.Context) ([]string, bool) {
	raw, ok, err := p.cache.Get(ctx, WordListCacheKey)
	if err != nil {
		p.logger.Warn("語彙リストキャッシュの読み取りに失敗しました",
			slog.String("error", err.Error()),
		)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var words []string
	if err := json.Unmarshal([]byte(raw), &words); err != nil || len(words) == 0 {
		return nil, false
	}
	return words, true
}

func (p *WordListProvider) store(ctx context.Context, words []string) error {
	data, err := json.Marshal(words)
	if err != nil {
		return err
	}
	return p.cache.Put(ctx, WordListCacheKey, string(data), p.ttl)
}

// fetch は語彙リストを取得し、改行で分割して空行を除く。
func (p *WordListProvider) fetch(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("語彙リストの取得先がステータス %d を返しました", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxWordListBytes+1))
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}
	if len(body) > maxWordListBytes {
		return nil, fmt.Errorf("語彙リストが上限 %d バイトを超えています", maxWordListBytes)
	}

	var words []string
	for _, line := range strings.Split(string(body), "\n") {
		if w := strings.TrimSpace(line); w != "" {
			words = append(words, w)
		}
	}
	if len(words) == 0 {
		return nil, errors.New("語彙リストが空です")
	}
	return words, nil
}
