package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/bridgectl/internal/config"
	"github.com/danmuck/bridgectl/internal/endpoint"
	logs "github.com/danmuck/bridgectl/internal/logging"
)

func main() {
	path := flag.String("config", "cmd/bridgectl/ex.near.toml", "bridge endpoint config path")
	flag.Parse()

	logs.ConfigureRuntime()
	if err := run(*path); err != nil {
		fmt.Fprintf(os.Stderr, "bridgectl: %v\n", err)
		os.Exit(1)
	}
}

func run(path string) error {
	cfg, err := config.LoadBridgeConfig(path)
	if err != nil {
		return err
	}
	svc, err := endpoint.NewService(cfg, nil)
	if err != nil {
		return err
	}
	return svc.Run()
}
