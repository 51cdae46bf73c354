package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tickerd/tickerd/internal/buildinfo"
	"github.com/tickerd/tickerd/internal/config"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file (optional)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("tickerd %s (%s, built %s)\n", buildinfo.Version, buildinfo.GitCommit, buildinfo.BuildTime)
		return
	}

	path := *configPath
	if path == "" {
		path = os.Getenv(config.EnvConfigPath)
	}

	if err := run(path); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
