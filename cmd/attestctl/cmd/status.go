package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the cached session token and attested key",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeFn, err := openService()
		if err != nil {
			return err
		}
		defer closeFn()

		out := cmd.OutOrStdout()
		tokens := svc.Tokens()
		now := time.Now()
		if tok, ok := tokens.Get(); !ok {
			fmt.Fprintln(out, "session:  none")
		} else if tok.Expired(now) {
			fmt.Fprintf(out, "session:  expired at %s\n", tok.Expiry.Format(time.RFC3339))
		} else {
			fmt.Fprintf(out, "session:  valid until %s (%s left)\n",
				tok.Expiry.Format(time.RFC3339), tok.Expiry.Sub(now).Truncate(time.Second))
		}
		if keyID, ok := tokens.GetAttestedKeyID(); ok {
			fmt.Fprintf(out, "key:      %s\n", keyID)
		} else {
			fmt.Fprintln(out, "key:      none (next exchange attests a new key)")
		}
		fmt.Fprintf(out, "provider: %s\n", providerName)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
