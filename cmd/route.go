package main

import (
	"github.com/eduhire/agent/internal/guard"
	"github.com/spf13/cobra"
)

var routeCmd = &cobra.Command{
	Use:   "route <path>",
	Short: "Show whether a page would render for the current session",
	Long: "Run the route guards for path against the stored session and print the outcome.\n" +
		"Example: eduhire route /dashboard/teacher",
	Args: cobra.ExactArgs(1),
	ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if len(args) > 0 {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		return guard.DefaultRoutes().Prefixes(), cobra.ShellCompDirectiveNoFileComp
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		path := args[0]
		d := guard.DefaultRoutes().Check(a.session.Snapshot(), path)
		switch d.Action {
		case guard.Redirect:
			target := d.Target
			if d.RememberPath != "" && target == guard.LoginPath {
				target = guard.LoginURL(d.RememberPath)
			}
			cmd.Printf("%s: redirect to %s\n", path, target)
		default:
			cmd.Printf("%s: %s\n", path, d.Action)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(routeCmd)
}
