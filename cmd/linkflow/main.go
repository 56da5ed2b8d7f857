package main

import (
	"os"

	"go.uber.org/zap"

	"github.com/linkflow/cli"
	"github.com/linkflow/middleware/log"
)

func main() {
	if err := cli.Run(os.Args); err != nil {
		log.Error("linkflow exited", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}
