package main

import (
	"os"

	"github.com/gaspardpetit/plugapi/internal/logx"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCommand(os.Args[1:]).Execute(); err != nil {
		logx.Log.Error().Err(err).Msg("plugapi")
		os.Exit(1)
	}
}
