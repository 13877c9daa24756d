package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sofatutor/deckguard/internal/encryption"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Generate and hash management tokens",
	}

	var size int
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Print a new random management token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := encryption.GenerateToken(size)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	generate.Flags().IntVar(&size, "bytes", 32, "Number of random bytes")

	hash := &cobra.Command{
		Use:   "hash [token]",
		Short: "Print the MANAGEMENT_TOKEN value that stores only a hash of token",
		Long: `Hash a management token with bcrypt. Put the output in MANAGEMENT_TOKEN so
the server never holds the plaintext. The token is prompted for when it is
not given as an argument.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var token string
			if len(args) == 1 {
				token = args[0]
			} else {
				if !stdinIsTerminal() {
					return errors.New("token argument required when stdin is not a terminal")
				}
				fmt.Fprint(cmd.ErrOrStderr(), "Token to hash: ")
				b, err := readPassword()
				fmt.Fprintln(cmd.ErrOrStderr())
				if err != nil {
					return fmt.Errorf("failed to read token: %w", err)
				}
				token = strings.TrimSpace(string(b))
			}
			if token == "" {
				return encryption.ErrEmptyToken
			}
			hashed, err := encryption.NewTokenHasher().HashToken(token)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hashed)
			return nil
		},
	}

	cmd.AddCommand(generate, hash)
	return cmd
}
