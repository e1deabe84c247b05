package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/toolink/extgov/extension"
)

// lifecycle runs fn against a freshly wired app and prints its result.
func (c *cli) lifecycle(cmd *cobra.Command, fn func(context.Context, *extension.Manager) (*extension.Result, error)) error {
	ctx := cmd.Context()
	a, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := fn(ctx, a.manager)
	if err != nil {
		return err
	}
	printResult(cmd.OutOrStdout(), res)
	return nil
}

func printResult(w io.Writer, res *extension.Result) {
	switch {
	case res.Descriptor != nil && res.Previous != nil:
		fmt.Fprintf(w, "%s %s: %s -> %s\n", res.Op, res.ID, res.Previous.Version, res.Descriptor.Version)
	case res.Descriptor != nil:
		fmt.Fprintf(w, "%s %s: %s\n", res.Op, res.ID, res.Descriptor.Version)
	default:
		fmt.Fprintf(w, "%s %s: done\n", res.Op, res.ID)
	}
	for _, warning := range res.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warning)
	}
}

func newInstallCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "install <package-dir>",
		Short: "Validate a package and install it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.lifecycle(cmd, func(ctx context.Context, m *extension.Manager) (*extension.Result, error) {
				return m.Install(ctx, args[0])
			})
		},
	}
}

func newUpdateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "update <id> <package-dir>",
		Short: "Replace an installed extension, restoring it on failure",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.lifecycle(cmd, func(ctx context.Context, m *extension.Manager) (*extension.Result, error) {
				return m.Update(ctx, args[0], args[1])
			})
		},
	}
}

func newRollbackCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <id>",
		Short: "Restore the version captured before the last update",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.lifecycle(cmd, func(ctx context.Context, m *extension.Manager) (*extension.Result, error) {
				return m.Rollback(ctx, args[0])
			})
		},
	}
}

func newUninstallCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall <id>",
		Short: "Remove an installed extension and its snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.lifecycle(cmd, func(ctx context.Context, m *extension.Manager) (*extension.Result, error) {
				return m.Uninstall(ctx, args[0])
			})
		},
	}
}

func newEnableCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "enable <id>",
		Short: "Re-enable a disabled extension with fresh runtime metrics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.manager.Enable(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enabled %s\n", args[0])
			return nil
		},
	}
}
