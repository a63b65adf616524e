package main

import (
	"bufio"
	"errors"
	"fmt"
	"sort"

	"github.com/eduhire/agent/internal/api"
	"github.com/eduhire/agent/internal/guard"
	"github.com/spf13/cobra"
)

var (
	signupEmail     string
	signupPassword  string
	signupFirstName string
	signupLastName  string
	signupRole      string
	signupPhone     string
)

var signupCmd = &cobra.Command{
	Use:   "signup",
	Short: "Create an eduhire account",
	Long:  "Register a new account. A verification code is emailed; confirm it with 'eduhire otp verify'.",
	RunE:  runSignup,
}

func init() {
	signupCmd.Flags().StringVar(&signupEmail, "email", "", "Email address")
	signupCmd.Flags().StringVar(&signupPassword, "password", "", "Password (will prompt if not provided)")
	signupCmd.Flags().StringVar(&signupFirstName, "first-name", "", "First name")
	signupCmd.Flags().StringVar(&signupLastName, "last-name", "", "Last name")
	signupCmd.Flags().StringVar(&signupRole, "role", "", "Account type: teacher, school, recruiter or supplier")
	signupCmd.Flags().StringVar(&signupPhone, "phone", "", "Phone number")
	_ = signupCmd.MarkFlagRequired("role")
	_ = signupCmd.RegisterFlagCompletionFunc("role", func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
		var roles []string
		for _, r := range api.Roles {
			if r != api.RoleAdmin {
				roles = append(roles, string(r))
			}
		}
		return roles, cobra.ShellCompDirectiveNoFileComp
	})
	rootCmd.AddCommand(signupCmd)
}

func runSignup(cmd *cobra.Command, args []string) error {
	defer func() {
		signupEmail, signupPassword, signupFirstName = "", "", ""
		signupLastName, signupRole, signupPhone = "", "", ""
	}()

	role, err := api.ParseRole(signupRole)
	if err != nil {
		return err
	}

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	in := bufio.NewReader(cmd.InOrStdin())
	if signupEmail == "" {
		if signupEmail, err = prompt(cmd, in, "Email: "); err != nil {
			return fmt.Errorf("failed to read email: %w", err)
		}
	}
	if signupPassword == "" {
		if signupPassword, err = promptPassword(cmd, in, "Password: "); err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
	}

	s, err := a.session.Signup(commandContext(cmd), api.SignupRequest{
		Email:     signupEmail,
		Password:  signupPassword,
		FirstName: signupFirstName,
		LastName:  signupLastName,
		Role:      role,
		Phone:     signupPhone,
	})
	if err != nil {
		printFieldErrors(cmd, err)
		return fmt.Errorf("signup failed: %w", err)
	}

	if s.IsAuthenticated {
		cmd.Printf("Account created. Signed in as %s (%s).\n", s.User.Email, s.User.Role)
		cmd.Printf("Next: %s\n", guard.PostLoginPath(s.User))
		return nil
	}
	cmd.Printf("Account created. A verification code was sent to %s.\n", signupEmail)
	cmd.Printf("Run 'eduhire otp verify %s <code>' to activate it.\n", signupEmail)
	return nil
}

// printFieldErrors lists per-field validation messages carried by err.
func printFieldErrors(cmd *cobra.Command, err error) {
	var apiErr *api.Error
	if !errors.As(err, &apiErr) || len(apiErr.Details) == 0 {
		return
	}
	fields := make([]string, 0, len(apiErr.Details))
	for field := range apiErr.Details {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		cmd.PrintErrf("  %s: %s\n", field, apiErr.Details[field])
	}
}
