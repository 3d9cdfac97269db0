package main

import (
	"flag"
	"log"

	"github.com/danmuck/bridgectl/internal/config"
)

func main() {
	kind := flag.String("kind", "near", "config kind: near|far")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to per-kind example path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		path := *input
		if path == "" {
			path = defaultPath(*kind)
		}
		cfg, err := config.LoadBridgeConfig(path)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated %s config at %s (transport=%s initiator=%v)", cfg.Role, path, cfg.Transport, cfg.Initiator())
		return
	}

	target := *output
	if target == "" {
		target = defaultPath(*kind)
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, target)
}

func defaultPath(kind string) string {
	switch kind {
	case "near", "far":
		return "cmd/bridgectl/config." + kind + ".toml"
	default:
		log.Fatalf("unknown kind: %s", kind)
		return ""
	}
}
