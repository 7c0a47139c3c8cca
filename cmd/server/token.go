package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Brownie44l1/leafdoc-api/internal/auth"
)

func tokenCommand(configPath *string) *cobra.Command {
	var (
		email    string
		verified bool
	)
	cmd := &cobra.Command{
		Use:   "token <uid>",
		Short: "Sign a development bearer token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			tok, err := a.jwt().Issue(auth.Identity{UserID: args[0], Email: email, Verified: verified})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Email claim")
	cmd.Flags().BoolVar(&verified, "verified", true, "Mark the email as verified")
	return cmd
}
