package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/eduhire/agent/internal/guard"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	loginEmail      string
	loginPassword   string
	loginRememberMe bool
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in to eduhire",
	Long:  "Sign in with email and password and store the session securely.",
	RunE:  runLogin,
}

func init() {
	loginCmd.Flags().StringVar(&loginEmail, "email", "", "Email address")
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "Password (will prompt if not provided)")
	loginCmd.Flags().BoolVar(&loginRememberMe, "remember-me", false, "Restore the session on the next start even after the access token expires")
	rootCmd.AddCommand(loginCmd)
}

func runLogin(cmd *cobra.Command, args []string) error {
	// Reset flags for reuse in tests
	defer func() {
		loginEmail = ""
		loginPassword = ""
		loginRememberMe = false
	}()

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	in := bufio.NewReader(cmd.InOrStdin())
	if loginEmail == "" {
		if loginEmail, err = prompt(cmd, in, "Email: "); err != nil {
			return fmt.Errorf("failed to read email: %w", err)
		}
	}
	if loginPassword == "" {
		if loginPassword, err = promptPassword(cmd, in, "Password: "); err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
	}

	s, err := a.session.Login(commandContext(cmd), loginEmail, loginPassword, loginRememberMe)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	cmd.Printf("Signed in as %s (%s).\n", s.User.Email, s.User.Role)
	cmd.Printf("Next: %s\n", guard.PostLoginPath(s.User))
	return nil
}

func prompt(cmd *cobra.Command, in *bufio.Reader, label string) (string, error) {
	fmt.Fprint(cmd.OutOrStdout(), label)
	line, err := in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// promptPassword reads without echo when stdin is a terminal.
func promptPassword(cmd *cobra.Command, in *bufio.Reader, label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if cmd.InOrStdin() != os.Stdin || !term.IsTerminal(fd) {
		return prompt(cmd, in, label)
	}

	fmt.Fprint(cmd.OutOrStdout(), label)
	password, err := term.ReadPassword(fd)
	fmt.Fprintln(cmd.OutOrStdout()) // newline after password
	if err != nil {
		return "", err
	}
	return string(password), nil
}
