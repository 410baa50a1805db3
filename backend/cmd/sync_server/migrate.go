package main

import (
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/cobra"

	"collabServer/backend/internal/httpapi/middleware"
	"collabServer/backend/internal/oplog"
	"collabServer/backend/internal/store"
)

func newMigrateCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the operation log tables and, if configured, the document tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			// Open 会执行建表
			opLog, err := oplog.Open(cmd.Context(), cfg.Mysql.Driver, cfg.Mysql.DSN)
			if err != nil {
				return err
			}
			defer opLog.Close()
			glog.Infof("migrate: oplog tables ready (driver=%s)", opLog.Driver())

			if cfg.Mysql.DocumentDSN == "" {
				return nil
			}
			db, err := store.InitMySQL(cfg.Mysql.DocumentDSN)
			if err != nil {
				return fmt.Errorf("connect document db: %w", err)
			}
			if sqlDB, err := db.DB(); err == nil {
				defer sqlDB.Close()
			}
			if err := store.AutoMigrate(db); err != nil {
				return fmt.Errorf("migrate document tables: %w", err)
			}
			glog.Infof("migrate: document tables ready")
			return nil
		},
	}
}

// token 子命令：本地联调时签发 access token
func newTokenCommand(root *rootOptions) *cobra.Command {
	var (
		username string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <userId>",
		Short: "Sign a development access token for a user id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if username == "" {
				username = args[0]
			}
			tok, err := middleware.SignAccessToken([]byte(cfg.Auth.JWTSecret), args[0], username, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "username claim (defaults to the user id)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
