package main

import (
	"fmt"
	"os"

	"cirruslink.io/sdk-go/cmd/cirrusctl/app"
)

func main() {
	if err := app.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "cirrusctl:", err)
		os.Exit(1)
	}
}
