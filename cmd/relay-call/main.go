package main

import (
	"context"
	"os"

	"relay-call/internal"
	"relay-call/pkg/log"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

func main() {
	log.SetupLogger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app := internal.NewApp()

	if err := app.Setup(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}

		log.Fatal(err)
	}

	if err := app.Run(ctx, cancel); err != nil {
		log.Fatal(err)
	}
}
