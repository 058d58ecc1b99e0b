// Command readlog は読書記録アプリのAPIサーバーを起動する。
//
// サブコマンド:
//
//	serve        APIサーバーを起動する（デフォルト）
//	migrate      データベースマイグレーションを適用する
//	healthcheck  ローカルの/healthを確認する（Dockerヘルスチェック用）
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/hitoshi/readlog/internal/app"
)

func main() {
	// .envは開発時のみ。存在しなくてもよい
	_ = godotenv.Load()

	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "readlog: %v\n", err)
		os.Exit(1)
	}
}
