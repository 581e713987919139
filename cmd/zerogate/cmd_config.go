package main

// ---------------------------------------------------------------------------
// cmd_config.go — init and inspect configuration
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/zerogate-project/zerogate/internal/core"
)

func cmdConfig(args []string) {
	if len(args) < 1 {
		fmt.Fprint(os.Stderr, "usage: zerogate config <init|show> [flags]\n")
		os.Exit(1)
	}

	switch args[0] {
	case "init":
		cmdConfigInit(args[1:])
	case "show":
		cmdConfigShow(args[1:])
	default:
		errorf("unknown config subcommand %q", args[0])
	}
}

func cmdConfigInit(args []string) {
	fs := flag.NewFlagSet("config init", flag.ExitOnError)
	out := fs.String("out", defaultConfigPath, "Where to write the config file")
	force := fs.Bool("force", false, "Overwrite an existing file")
	fs.Parse(args)

	if _, err := os.Stat(*out); err == nil && !*force {
		errorf("%s already exists — pass --force to overwrite", *out)
	}

	if err := os.MkdirAll(filepath.Dir(*out), 0o755); err != nil {
		errorf("creating config directory: %v", err)
	}
	if err := core.SaveConfig(core.DefaultConfig(), *out); err != nil {
		errorf("writing config: %v", err)
	}
	fmt.Fprintf(os.Stderr, "%s Wrote default config to %s\n", green("✓"), *out)
}

func cmdConfigShow(args []string) {
	fs := flag.NewFlagSet("config show", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	fs.Parse(args)

	cfg, err := core.LoadConfig(envConfig(*configPath))
	if err != nil {
		errorf("loading config: %v", err)
	}

	// Secrets stay out of terminal scrollback.
	cfg.Server.JWTSecret = redactIfSet(cfg.Server.JWTSecret)
	for i := range cfg.Server.APIKeys {
		cfg.Server.APIKeys[i] = redactIfSet(cfg.Server.APIKeys[i])
	}
	cfg.AuthLog.RedisPassword = redactIfSet(cfg.AuthLog.RedisPassword)

	data, err := yaml.Marshal(cfg)
	if err != nil {
		errorf("marshaling config: %v", err)
	}
	os.Stdout.Write(data)
}

func redactIfSet(v string) string {
	if v == "" {
		return ""
	}
	return "<redacted>"
}
