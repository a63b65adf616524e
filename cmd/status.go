package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/eduhire/agent/internal/obs"
	"github.com/eduhire/agent/internal/session"
	"github.com/eduhire/agent/internal/token"
	"github.com/spf13/cobra"
)

var statusMetrics bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current session",
	Long:  "Restore the session from storage and print who is signed in, pending onboarding steps and token expiry.",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		printSession(cmd.OutOrStdout(), a.session.Snapshot())

		if statusMetrics {
			fmt.Fprintln(cmd.OutOrStdout())
			if err := writeMetrics(cmd.OutOrStdout()); err != nil {
				return fmt.Errorf("failed to gather metrics: %w", err)
			}
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusMetrics, "metrics", false, "Also print client metrics for this run")
	rootCmd.AddCommand(statusCmd)
}

func printSession(w io.Writer, s session.Session) {
	fmt.Fprintf(w, "State: %s\n", s.State)
	if !s.IsAuthenticated || s.User == nil {
		fmt.Fprintln(w, "Not signed in.")
		return
	}

	fmt.Fprintf(w, "User: %s <%s>\n", s.User.FullName(), s.User.Email)
	fmt.Fprintf(w, "Role: %s\n", s.User.Role)
	fmt.Fprintf(w, "Email verified: %t\n", s.User.IsEmailVerified)
	fmt.Fprintf(w, "Profile complete: %t\n", s.User.IsProfileComplete)
	fmt.Fprintf(w, "Remember me: %t\n", s.RememberMe)

	if p, err := token.Decode(s.AccessToken); err == nil && !p.ExpiresAt.IsZero() {
		left := token.TimeUntilExpiry(s.AccessToken).Round(time.Second)
		fmt.Fprintf(w, "Access token expires: %s (in %s)\n", p.ExpiresAt.Local().Format(time.RFC3339), left)
	}
}

// writeMetrics prints every sample of the client registry as name{labels} value.
func writeMetrics(w io.Writer) error {
	families, err := obs.Registry().Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			labels := make([]string, 0, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels = append(labels, fmt.Sprintf("%s=%q", lp.GetName(), lp.GetValue()))
			}
			fmt.Fprintf(w, "%s{%s} %g\n", mf.GetName(), strings.Join(labels, ","), m.GetCounter().GetValue())
		}
	}
	return nil
}
