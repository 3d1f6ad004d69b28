package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var headersCmd = &cobra.Command{
	Use:   "headers",
	Short: "Print the headers the next authenticated request would carry",
	Long: `Print the headers for one authenticated request. When no session token
is cached this runs an exchange and consumes its payload, so the nonce
printed here is spent: send it within the server's nonce lifetime.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, closeFn, err := openService()
		if err != nil {
			return err
		}
		defer closeFn()

		h, err := svc.GetHeaders(cmd.Context())
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(h))
		for k := range h {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := cmd.OutOrStdout()
		for _, k := range keys {
			for _, v := range h[k] {
				fmt.Fprintf(out, "%s: %s\n", k, v)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(headersCmd)
}
