package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	openOwnerID     string
	openManifestURL string
)

var openCmd = &cobra.Command{
	Use:   "open",
	Short: "Open a new streaming session",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			SessionID string `json:"session_id"`
		}
		err := postJSON("/sessions", map[string]string{
			"owner_id":     openOwnerID,
			"manifest_url": openManifestURL,
		}, &resp)
		if err != nil {
			return err
		}
		fmt.Println(resp.SessionID)
		return nil
	},
}

func init() {
	openCmd.Flags().StringVar(&openOwnerID, "owner", "", "owner id (required)")
	openCmd.Flags().StringVar(&openManifestURL, "manifest", "", "manifest URL (required)")
	_ = openCmd.MarkFlagRequired("owner")
	_ = openCmd.MarkFlagRequired("manifest")
	rootCmd.AddCommand(openCmd)
}
