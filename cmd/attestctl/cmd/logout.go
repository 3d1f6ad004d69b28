package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var forgetKey bool

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Drop the cached session token",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeFn, err := openService()
		if err != nil {
			return err
		}
		defer closeFn()

		svc.Logout()
		if forgetKey {
			svc.Tokens().ClearAttestedKeyID()
		}
		fmt.Fprintln(cmd.OutOrStdout(), "logged out")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(logoutCmd)
	logoutCmd.Flags().BoolVar(&forgetKey, "forget-key", false, "Also forget the attested key so the next exchange attests again")
}
