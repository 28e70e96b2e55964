package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/yulaomao/coffeeManage/internal/server"
)

var (
	tokenSecret  string
	tokenSubject string
)

var tokenCmd = &cobra.Command{
	Use:   "token <viewer|device|ops|admin>",
	Short: "Sign an HS256 bearer token for a role",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		role, ok := server.ParseRole(args[0])
		if !ok {
			return fmt.Errorf("unknown role %q", args[0])
		}
		if tokenSecret == "" {
			return errors.New("--secret (or $COFFEE_AUTH__JWT_SECRET) is required")
		}
		tok, err := server.SignToken(tokenSecret, tokenSubject, role)
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSecret, "secret", os.Getenv("COFFEE_AUTH__JWT_SECRET"), "JWT secret shared with the server")
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "Token subject, recorded as the actor")
	rootCmd.AddCommand(tokenCmd)
}
