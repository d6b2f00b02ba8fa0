package main

import (
	"context"
	"log"
	"os"

	"github.com/mpetrovs/keebsync/internal/app"
	"github.com/mpetrovs/keebsync/internal/buildinfo"
	"github.com/mpetrovs/keebsync/internal/config"
)

func main() {

	buildinfo.PrintBuildData(os.Stdout)

	ctx := context.Background()
	cfg := config.LoadConfig()
	a, err := app.NewApp(cfg)

	if err != nil {
		log.Fatalf("%v", err)
		return
	}

	os.Exit(a.Run(ctx))
}
