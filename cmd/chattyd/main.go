package main

import (
	"flag"

	"github.com/kazerdira/chatty/internal/server/daemon"
	"go.uber.org/fx"
)

func main() {
	configFlag := flag.String("config", "chattyd.toml", "config file path")
	flag.Parse()

	app := fx.New(
		daemon.Module(daemon.Params{ConfigPath: *configFlag}),
	)

	app.Run()
}
