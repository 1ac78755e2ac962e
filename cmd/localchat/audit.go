package main

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/stupiduntilnot/localchat/internal/audit"
)

func newAuditCmd(c *cli) *cobra.Command {
	var opts audit.Options
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the audit event tree of the latest (or a given) process",
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.cfg.DatabaseURL != "" {
				return errors.New("audit reads the SQLite events table; unset database-url and point db-path at the database")
			}
			database, err := sql.Open("sqlite3", "file:"+c.cfg.DBPath+"?mode=ro")
			if err != nil {
				return errors.Wrap(err, "open db")
			}
			defer database.Close()
			if err := database.PingContext(cmd.Context()); err != nil {
				return errors.Wrap(err, "ping db")
			}
			return audit.Show(cmd.Context(), database, cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().Int64Var(&opts.RootID, "id", 0, "show subtree of a specific event ID")
	cmd.Flags().IntVarP(&opts.MaxDepth, "level", "L", 0, "limit display depth (0 = unlimited)")
	cmd.Flags().BoolVar(&opts.JSON, "json", false, "output JSON format")
	cmd.Flags().BoolVar(&opts.NoPayload, "no-payload", false, "hide payload details")
	return cmd
}
