package main

import (
	"os"

	"github.com/Michael-Nwachukwu/boundless/internal/app"
)

func main() {
	runner := app.NewRunner()
	os.Exit(runner.Run(os.Args[1:]))
}
