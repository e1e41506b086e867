// Command rideboard はライドシェア掲示板のAPIサーバー・ワーカー・マイグレーションを起動する。
package main

import (
	"fmt"
	"os"
	_ "time/tzdata"

	"github.com/hitoshi/rideboard/internal/app"
)

func main() {
	if err := app.Run(nil, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "rideboard: %v\n", err)
		os.Exit(1)
	}
}
