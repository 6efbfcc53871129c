// Package engine は外部変換エンジンのプロセス起動と結果分類を提供します。
package engine

import "time"

// Invocation は外部プロセスの起動内容です。Args はシェルを介さずそのまま渡されます。
type Invocation struct {
	Command string
	Args    []string
	Dir     string
	// Artifact はエンジンが書き出す成果物の予定パスです。
	Artifact string
}

// Kind は実行結果の分類です。
type Kind string

const (
	KindSuccess    Kind = "success"
	KindFailure    Kind = "failure"
	KindSpawnFault Kind = "spawn_fault"
)

// Outcome は Success / Failure / SpawnFault のいずれかを表すタグ付き結果です。
type Outcome struct {
	Kind Kind

	// Success
	Artifact   string
	Duration   *time.Duration
	ResultFile string

	// Failure
	ExitCode   int
	Diagnostic string

	// SpawnFault
	Reason string

	Stdout string
	Stderr string
}

// Succeeded は終了コード 0 で完了したかを返します。
func (o Outcome) Succeeded() bool {
	return o.Kind == KindSuccess
}

// Detail は失敗時に利用者へ返す説明文です。
func (o Outcome) Detail() string {
	switch o.Kind {
	case KindFailure:
		return o.Diagnostic
	case KindSpawnFault:
		return o.Reason
	default:
		return ""
	}
}
