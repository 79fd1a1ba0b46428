package main

import (
	"os"

	_ "go.uber.org/automaxprocs"

	"cirruslink.io/sdk-go/cmd/cirrus-device-agent/app"
	"cirruslink.io/sdk-go/pkg/log"
)

func main() {
	if err := app.NewApp().Run(); err != nil {
		log.Error(err, "cirrus-device-agent exited")
		os.Exit(1)
	}
}
