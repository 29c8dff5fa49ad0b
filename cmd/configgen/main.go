package main

import (
	"flag"
	"log"

	"github.com/danmuck/uastack/internal/config"
)

func main() {
	kind := flag.String("kind", "server", "config kind: server|env")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing server config file")
	input := flag.String("input", "cmd/uactl/config.toml", "config path for validation")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		cfg, err := config.LoadServerConfig(*input)
		if err != nil {
			log.Fatal(err)
		}
		if _, err := cfg.Transport.Resolve(); err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated server config %q at %s", cfg.ID, *input)
		return
	}

	target := *output
	if target == "" {
		switch *kind {
		case "server":
			target = "cmd/uactl/config.toml"
		case "env":
			target = ".env"
		default:
			log.Fatalf("unknown kind: %s", *kind)
		}
	}

	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, target)
}
