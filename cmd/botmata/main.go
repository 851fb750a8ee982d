package main

import (
	"log"

	"github.com/botmata/botmata/core/cmd"
)

func main() {
	err := cmd.Run(cmd.Options{
		ConfigEnvVar:      "CONFIG_PATH",
		DefaultConfigPath: "config.yaml",
	})
	if err != nil {
		log.Fatalf("botmata: %v", err)
	}
}
