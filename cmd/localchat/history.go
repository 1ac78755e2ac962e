package main

import (
	"encoding/json"
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/stupiduntilnot/localchat/internal/model"
)

func newHistoryCmd(c *cli) *cobra.Command {
	var (
		limit  int
		output string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the most recent persisted messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkOutputFormat(output); err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), c.cfg, "history")
			if err != nil {
				return err
			}
			defer a.Close()
			msgs := a.controller.LoadDisplayHistory(a.auditContext(cmd.Context()), limit)
			return writeMessages(cmd.OutOrStdout(), msgs, output)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "number of messages (default history-limit)")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format (text, json, yaml)")
	return cmd
}

func newClearHistoryCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-history",
		Short: "Erase every persisted message",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), c.cfg, "clear-history")
			if err != nil {
				return err
			}
			defer a.Close()
			printMessages(cmd.OutOrStdout(), a.controller.ClearAllHistory(a.auditContext(cmd.Context())))
			return nil
		},
	}
}

func checkOutputFormat(format string) error {
	switch format {
	case "text", "json", "yaml":
		return nil
	default:
		return errors.Errorf("unknown output format %q (want text, json or yaml)", format)
	}
}

func writeMessages(w io.Writer, msgs []model.Message, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return errors.Wrap(enc.Encode(msgs), "encode json")
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(yamlMessages(msgs)); err != nil {
			return errors.Wrap(err, "encode yaml")
		}
		return errors.Wrap(enc.Close(), "close yaml encoder")
	default:
		printMessages(w, msgs)
		return nil
	}
}

type yamlMessage struct {
	Role    string `yaml:"role"`
	Content string `yaml:"content"`
}

func yamlMessages(msgs []model.Message) []yamlMessage {
	out := make([]yamlMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, yamlMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}
