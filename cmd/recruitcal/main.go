// Command recruitcal は面談予約APIサーバーと運用サブコマンドを提供する。
//
//	recruitcal [serve|migrate|cleanup|healthcheck]
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/recruitcal/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "recruitcal: %v\n", err)
		os.Exit(1)
	}
}
