package main

import (
	"context"
	"log"
	"os"

	"github.com/dmitrijs2005/notesync/internal/app"
	"github.com/dmitrijs2005/notesync/internal/buildinfo"
	"github.com/dmitrijs2005/notesync/internal/config"
)

func main() {

	buildinfo.PrintBuildData(os.Stdout)

	ctx := context.Background()
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("%v", err)
	}

	a, err := app.NewApp(ctx, cfg, app.Streams{})
	if err != nil {
		log.Fatalf("%v", err)
	}

	a.Run(ctx)

}
