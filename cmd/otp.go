package main

import (
	"fmt"

	"github.com/eduhire/agent/internal/guard"
	"github.com/spf13/cobra"
)

var otpCmd = &cobra.Command{
	Use:   "otp",
	Short: "Email verification codes",
}

var otpSendCmd = &cobra.Command{
	Use:   "send <email>",
	Short: "Send a new verification code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.session.SendOTP(commandContext(cmd), args[0]); err != nil {
			return fmt.Errorf("failed to send code: %w", err)
		}
		cmd.Printf("If %s has an account, a verification code is on its way.\n", args[0])
		return nil
	},
}

var otpVerifyCmd = &cobra.Command{
	Use:   "verify <email> <code>",
	Short: "Confirm an email address",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		s, err := a.session.VerifyOTP(commandContext(cmd), args[0], args[1])
		if err != nil {
			printFieldErrors(cmd, err)
			return fmt.Errorf("verification failed: %w", err)
		}

		cmd.Printf("Email %s verified.\n", args[0])
		if s.IsAuthenticated {
			cmd.Printf("Next: %s\n", guard.PostLoginPath(s.User))
		} else {
			cmd.Printf("Run 'eduhire login' to sign in.\n")
		}
		return nil
	},
}

func init() {
	otpCmd.AddCommand(otpSendCmd)
	otpCmd.AddCommand(otpVerifyCmd)
	rootCmd.AddCommand(otpCmd)
}
