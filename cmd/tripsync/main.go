package main

import (
	"os"

	_ "go.uber.org/automaxprocs"
	genericapiserver "k8s.io/apiserver/pkg/server"

	"github.com/autopeer-io/tripsync/cmd/tripsync/app"
)

func main() {
	ctx := genericapiserver.SetupSignalContext()
	if err := app.NewTripsyncCommand(ctx).Execute(); err != nil {
		os.Exit(1)
	}
}
