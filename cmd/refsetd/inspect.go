package main

import (
	"context"
	"fmt"
	"io"

	"github.com/davidroman0O/refsetlite"
	"github.com/davidroman0O/refsetlite/internal/config"
	"github.com/davidroman0O/refsetlite/types"
	"github.com/k0kubun/pp/v3"
	"github.com/spf13/cobra"
)

// operator reads every refset regardless of project.
var operator = types.Actor{Username: "refsetd", Roles: []types.Role{types.RoleAdmin}}

func newInspectCommand(root *rootOptions) *cobra.Command {
	var (
		members bool
		color   bool
	)
	cmd := &cobra.Command{
		Use:   "inspect <version-id>",
		Short: "Pretty-print a stored version with its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return err
			}
			if cfg.Store.Driver != "sqlite" {
				return fmt.Errorf("%w: inspect needs a sqlite store", types.ErrValidation)
			}
			return inspect(cmd.Context(), cmd.OutOrStdout(), cfg, types.VersionID(args[0]), members, color)
		},
	}
	cmd.Flags().BoolVar(&members, "members", false, "include the member list")
	cmd.Flags().BoolVar(&color, "color", false, "colorize the output")
	return cmd
}

func inspect(ctx context.Context, w io.Writer, cfg config.Config, id types.VersionID, withMembers, color bool) error {
	log, err := cfg.Logger()
	if err != nil {
		return err
	}
	opts, err := cfg.Options(log, cfg.Terminology(log))
	if err != nil {
		return err
	}
	r, err := refsetlite.New(ctx, opts...)
	if err != nil {
		return err
	}
	defer r.Close()

	v, err := r.GetVersion(ctx, operator, id)
	if err != nil {
		return err
	}
	history, err := r.History(ctx, operator, v.RefsetID)
	if err != nil {
		return err
	}

	printer := pp.New()
	printer.SetOutput(w)
	printer.SetColoringEnabled(color)
	printer.Println(v)
	printer.Println(history)
	if withMembers {
		list, err := r.Members(ctx, operator, id, false)
		if err != nil {
			return err
		}
		printer.Println(list)
	}
	return nil
}
