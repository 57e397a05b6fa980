package main

import (
	"flag"
	"log"

	"github.com/danmuck/cidgate/internal/config"
)

func main() {
	output := flag.String("output", "cmd/cidgate/config.toml", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "cmd/cidgate/config.toml", "config path for validation")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		cfg, err := config.Load(*input)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated config at %s (cid_length=%d generator=%s)", *input, cfg.Session.CIDLength, cfg.Generator)
		return
	}

	if err := config.WriteTemplate(*output, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote config template to %s", *output)
}
