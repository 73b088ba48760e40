package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"loadgate/pkg/auth"
	"loadgate/pkg/config"
	"loadgate/pkg/db"
	"loadgate/pkg/logger"
	"loadgate/pkg/model"
	"loadgate/pkg/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the SQL schema of a mysql or postgres store",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		log := logger.Init(&cfg.Log)
		defer logger.Sync()
		if cfg.Store.Type != "mysql" && cfg.Store.Type != "postgres" {
			return fmt.Errorf("migrate needs a mysql or postgres store, have %s", cfg.Store.Type)
		}
		gdb, err := db.Open(db.Options{Driver: cfg.Store.Type, DSN: cfg.Store.DSN, Models: store.GormModels()})
		if err != nil {
			return err
		}
		defer db.Close(gdb)
		log.Info("schema migrated")
		return nil
	},
}

var (
	tokenUser string
	tokenRole string
)

var tokenCmd = &cobra.Command{
	Use:     "token",
	Short:   "Mint a bearer token signed with the configured secret",
	Example: `  loadgate token --user ops-bot --role admin`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		role := model.Role(tokenRole)
		if !role.Valid() {
			return fmt.Errorf("unknown role %q", tokenRole)
		}
		if tokenUser == "" {
			return fmt.Errorf("--user is required")
		}
		token, err := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL).Generate(tokenUser, tokenUser, role)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user id carried by the token")
	tokenCmd.Flags().StringVar(&tokenRole, "role", string(model.RoleUser), "role: user or admin")
}
