package app

import (
	"fmt"
	"strings"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーとトリガースケジューラを起動する。
	CommandServe Command = "serve"
	// CommandWorker はpendingと確保期限切れのバッジジョブを定期的に処理する。
	CommandWorker Command = "worker"
	// CommandMigrate は未適用のマイグレーションを適用して終了する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は稼働中のサーバーの /health を確認する。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

var commandDescriptions = []struct {
	cmd  Command
	desc string
}{
	{CommandServe, "APIサーバーを起動する（デフォルト）"},
	{CommandWorker, "バッジ生成ワーカーを起動する"},
	{CommandMigrate, "データベースマイグレーションを実行する"},
	{CommandHealthcheck, "ローカルサーバーのヘルスチェックを行う"},
}

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空の場合はCommandServeを返す。2番目以降の引数は無視する。
// サポート外のコマンドの場合はエラーを返す。
func ParseCommand(args []string) (Command, error) {
	if len(args) == 0 {
		return CommandServe, nil
	}

	name := strings.ToLower(strings.TrimSpace(args[0]))
	for _, c := range commandDescriptions {
		if string(c.cmd) == name {
			return c.cmd, nil
		}
	}
	return "", fmt.Errorf("unknown command %q\n%s", args[0], Usage())
}

// Usage はサブコマンドの一覧を返す。
func Usage() string {
	var b strings.Builder
	b.WriteString("usage: attendance [command]\n\ncommands:\n")
	for _, c := range commandDescriptions {
		fmt.Fprintf(&b, "  %-12s %s\n", c.cmd, c.desc)
	}
	return b.String()
}
