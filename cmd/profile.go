package main

import (
	"errors"
	"fmt"

	"github.com/eduhire/agent/internal/api"
	"github.com/eduhire/agent/internal/guard"
	"github.com/eduhire/agent/internal/session"
	"github.com/spf13/cobra"
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "View and complete your profile",
}

var profileShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Reload your profile from the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		s, err := a.session.RefreshProfile(commandContext(cmd))
		if err != nil {
			return profileError(err)
		}
		printSession(cmd.OutOrStdout(), s)
		return nil
	},
}

var profileInput struct {
	firstName string
	lastName  string
	phone     string
	bio       string
	location  string
	fields    map[string]string
}

var profileCompleteCmd = &cobra.Command{
	Use:   "complete",
	Short: "Submit onboarding details",
	Long: "Submit the onboarding form. Role-specific answers go in --field, e.g.\n" +
		"  eduhire profile complete --first-name Ada --last-name Lovelace --field subject=Maths",
	RunE: func(cmd *cobra.Command, args []string) error {
		defer func() {
			profileInput.firstName, profileInput.lastName = "", ""
			profileInput.phone, profileInput.bio, profileInput.location = "", "", ""
			profileInput.fields = map[string]string{}
		}()

		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		s, err := a.session.CompleteProfile(commandContext(cmd), api.ProfileCompletion{
			FirstName: profileInput.firstName,
			LastName:  profileInput.lastName,
			Phone:     profileInput.phone,
			Bio:       profileInput.bio,
			Location:  profileInput.location,
			Fields:    profileInput.fields,
		})
		if err != nil {
			printFieldErrors(cmd, err)
			return profileError(err)
		}

		cmd.Println("Profile saved.")
		cmd.Printf("Next: %s\n", guard.PostLoginPath(s.User))
		return nil
	},
}

func init() {
	f := profileCompleteCmd.Flags()
	f.StringVar(&profileInput.firstName, "first-name", "", "First name")
	f.StringVar(&profileInput.lastName, "last-name", "", "Last name")
	f.StringVar(&profileInput.phone, "phone", "", "Phone number")
	f.StringVar(&profileInput.bio, "bio", "", "Short bio")
	f.StringVar(&profileInput.location, "location", "", "Location")
	f.StringToStringVar(&profileInput.fields, "field", nil, "Role-specific field as key=value (repeatable)")

	profileCmd.AddCommand(profileShowCmd)
	profileCmd.AddCommand(profileCompleteCmd)
	rootCmd.AddCommand(profileCmd)
}

func profileError(err error) error {
	switch {
	case errors.Is(err, session.ErrNoSession):
		return fmt.Errorf("not signed in: run 'eduhire login' first")
	case errors.Is(err, session.ErrSessionExpired):
		return session.ErrSessionExpired
	default:
		return fmt.Errorf("profile request failed: %w", err)
	}
}
