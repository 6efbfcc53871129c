// Package main は docflow の CLI エントリーポイントです。
//
// サブコマンドでプロセスの役割を選びます。
//   - api:    受付ゲートウェイ、ダウンロード、WebSocket 中継
//   - worker: 変換ジョブを実行するワーカープール
//   - sweep:  期限切れファイルを1回だけ掃除
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
