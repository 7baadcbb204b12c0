// aurora - An end-to-end encrypted messaging client.
// Copyright (C) 2026 Aurora Messenger Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/aurora-msg/aurora/pkg/backup"
	"github.com/aurora-msg/aurora/pkg/convo"
	"github.com/aurora-msg/aurora/pkg/store"
)

var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "aurora-backup",
		Usage:   "Export an aurora message database as a backup stream",
		Version: fmt.Sprintf("%s (%s, built %s)", Tag, Commit, BuildTime),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML config file",
			},
			&cli.StringFlag{
				Name:    "db",
				Usage:   "Path to the SQLite database (overrides config)",
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Output path, or - for stdout (overrides config)",
			},
			&cli.StringFlag{
				Name:  "type",
				Usage: "Backup type: remote, local-encrypted, plaintext-export, integration-test",
			},
			&cli.IntFlag{
				Name:  "page-size",
				Usage: "Message walk page size",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "export",
				Usage:  "Run a backup export",
				Action: runExport,
			},
			{
				Name:   "check",
				Usage:  "Scan for and resolve duplicate identity claims",
				Action: runCheck,
			},
			{
				Name:  "example-config",
				Usage: "Print the example config file",
				Action: func(ctx *cli.Context) error {
					fmt.Print(ExampleConfig)
					return nil
				},
			},
		},
		DefaultCommand: "export",
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup(cliCtx *cli.Context) (*Config, zerolog.Logger, error) {
	cfg, err := loadConfig(cliCtx.String("config"))
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if db := cliCtx.String("db"); db != "" {
		cfg.DatabasePath = db
	}
	if out := cliCtx.String("output"); out != "" {
		cfg.OutputPath = out
	}
	if bt := cliCtx.String("type"); bt != "" {
		cfg.BackupType = bt
		if err := cfg.PostProcess(); err != nil {
			return nil, zerolog.Nop(), err
		}
	}
	if ps := cliCtx.Int("page-size"); ps > 0 {
		cfg.PageSize = ps
	}
	if cfg.DatabasePath == "" {
		return nil, zerolog.Nop(), fmt.Errorf("no database path given (use --db or a config file)")
	}

	level := zerolog.InfoLevel
	if cliCtx.Bool("verbose") {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.StampMilli}).
		With().Timestamp().Logger().Level(level)
	return cfg, log, nil
}

func runExport(cliCtx *cli.Context) error {
	cfg, log, err := setup(cliCtx)
	if err != nil {
		return err
	}
	ctx := log.WithContext(cliCtx.Context)

	db, err := store.Open(ctx, cfg.DatabasePath, log)
	if err != nil {
		return err
	}
	defer db.Close()

	var out io.Writer
	if cfg.OutputPath == "" || cfg.OutputPath == "-" {
		out = os.Stdout
	} else {
		f, err := os.Create(cfg.OutputPath)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	stream, err := backup.New(log, db, backup.Options{
		Type:               cfg.backupType,
		FlushTimeout:       cfg.FlushTimeout(),
		PageSize:           cfg.PageSize,
		MinExpireTimer:     cfg.MinExpireTimer(),
		MediaRootBackupKey: cfg.MediaRootBackupKey,
	})
	if err != nil {
		return err
	}

	runDone := make(chan error, 1)
	go func() {
		runDone <- stream.Run(ctx)
	}()
	if _, err := io.Copy(out, stream); err != nil {
		<-runDone
		return fmt.Errorf("failed to write backup stream: %w", err)
	}
	if err := <-runDone; err != nil {
		return err
	}

	stats := stream.Stats()
	log.Info().
		Int("recipients", stats.Recipients).
		Int("chats", stats.Chats).
		Int("messages", stats.Messages).
		Int("skipped_messages", stats.SkippedMessages).
		Int("skipped_conversations", stats.SkippedConversations).
		Msg("Export complete")
	for _, report := range stream.ValidationReports() {
		log.Warn().Str("report", report.String()).Msg("Schema validation failure")
	}
	return nil
}

func runCheck(cliCtx *cli.Context) error {
	cfg, log, err := setup(cliCtx)
	if err != nil {
		return err
	}
	ctx := log.WithContext(cliCtx.Context)

	db, err := store.Open(ctx, cfg.DatabasePath, log)
	if err != nil {
		return err
	}
	defer db.Close()

	ctrl := convo.NewController(log, db, db, nil)
	defer ctrl.Close()
	if err := ctrl.Load(ctx); err != nil {
		return err
	}
	if err := ctrl.CheckForConflicts(ctx); err != nil {
		return err
	}
	log.Info().Int("conversations", len(ctrl.All())).Msg("Conflict check complete")
	return nil
}
