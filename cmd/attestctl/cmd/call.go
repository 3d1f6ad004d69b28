package cmd

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

var (
	callMethod string
	callCount  int
)

var callCmd = &cobra.Command{
	Use:   "call URL",
	Short: "Send an authenticated request and print the response",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := args[0]
		if strings.HasPrefix(target, "/") {
			target = strings.TrimSuffix(serverURL, "/") + target
		}

		svc, closeFn, err := openService()
		if err != nil {
			return err
		}
		defer closeFn()

		client := svc.Client(nil)
		out := cmd.OutOrStdout()
		for i := 0; i < callCount; i++ {
			req, err := http.NewRequestWithContext(cmd.Context(), callMethod, target, nil)
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("request failed: %w", err)
			}
			body, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s %s\n%s\n", resp.Proto, resp.Status, strings.TrimSpace(string(body)))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(callCmd)
	callCmd.Flags().StringVarP(&callMethod, "method", "X", http.MethodGet, "HTTP method")
	callCmd.Flags().IntVarP(&callCount, "count", "n", 1, "Number of sequential requests")
}
