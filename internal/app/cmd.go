package app

import (
	"fmt"

	"github.com/spf13/pflag"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker は失効スイープとセッション掃除のワーカーモードで起動することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// Options はコマンドライン引数の解析結果。
type Options struct {
	Command Command
	// ConfigPath は設定ファイルのパス。空の場合は環境変数RIDEBOARD_CONFIGを参照する。
	ConfigPath string
	// Port はhealthcheckが問い合わせるポート。空の場合はSERVER_PORTまたは8080。
	Port string
}

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch args[0] {
	case "worker":
		return CommandWorker
	case "serve":
		return CommandServe
	case "migrate":
		return CommandMigrate
	case "healthcheck":
		return CommandHealthcheck
	default:
		return CommandServe
	}
}

// ParseArgs はサブコマンドとフラグを解析する。
// フラグはサブコマンドの前後どちらに置いてもよい。
func ParseArgs(args []string) (Options, error) {
	fs := pflag.NewFlagSet("rideboard", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "YAML設定ファイルのパス")
	port := fs.String("port", "", "healthcheckで問い合わせるポート")

	if err := fs.Parse(args); err != nil {
		return Options{}, fmt.Errorf("invalid arguments: %w", err)
	}

	return Options{
		Command:    ParseCommand(fs.Args()),
		ConfigPath: *configPath,
		Port:       *port,
	}, nil
}
