// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/warden/pkg/logging"
	"github.com/AleutianAI/warden/services/warden/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	logLevel   string
	serverURL  string
	token      string
}

// newRootCmd builds the command tree.
func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "warden",
		Short: "Zero-trust admission control for sandboxed workers",
		Long: `warden decides whether sandboxed workers may execute, communicate,
terminate or be monitored, and enforces resource limits on them.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "",
		"Path to the config file (default ~/.warden/warden.yaml)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "",
		"Override the configured log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&opts.serverURL, "server", "http://localhost:8420",
		"Base URL of a running warden server")
	root.PersistentFlags().StringVar(&opts.token, "token", "",
		"Bearer identity presented to a zero-trust guarded server")

	root.AddCommand(
		newServeCmd(opts),
		newStatusCmd(opts),
		newAuditCmd(opts),
		newValidateCmd(opts),
		newConfigCmd(opts),
	)
	return root
}

// resolveConfigPath returns --config or the default path.
func (o *globalOptions) resolveConfigPath() (string, error) {
	if o.configPath != "" {
		return o.configPath, nil
	}
	return config.DefaultPath()
}

// loadConfig reads the config file, writing the defaults on first run.
func (o *globalOptions) loadConfig() (config.Config, string, error) {
	path, err := o.resolveConfigPath()
	if err != nil {
		return config.Config{}, "", err
	}
	cfg, err := config.LoadOrCreate(path)
	if err != nil {
		return config.Config{}, "", err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	return cfg, path, nil
}

// newLogger builds the process logger from the logging section.
func newLogger(cfg config.LoggingConfig, service string) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Dir,
		Service: service,
		Format:  logging.Format(cfg.Format),
	})
}

// quietLogger is used by one-shot commands whose stdout is the result.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
