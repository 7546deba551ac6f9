package handler

import (
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/attendance/internal/storage"
)

// ArtifactOpener は公開済みの生成画像を開くインターフェース。
// storage.LocalStoreが満たす。
type ArtifactOpener interface {
	OpenPublic(name string) (*os.File, fs.FileInfo, error)
}

// NewArtifactHandler は公開済みのバッジ画像を配信するハンドラーを返す。
// 非公開または存在しない画像は404とする。
// GET /badges/{name}
func NewArtifactHandler(opener ArtifactOpener, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")

		f, info, err := opener.OpenPublic(name)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				logger.Error("failed to open artifact",
					slog.String("name", name),
					slog.String("error", err.Error()),
				)
			}
			http.NotFound(w, r)
			return
		}
		defer f.Close()

		w.Header().Set("Cache-Control", "public, max-age=86400, immutable")
		http.ServeContent(w, r, info.Name(), info.ModTime(), f)
	}
}
