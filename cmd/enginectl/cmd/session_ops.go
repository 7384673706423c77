package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var pauseCmd = &cobra.Command{
	Use:   "pause <session_id>",
	Short: "Pause a session's download loop",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postJSON("/sessions/"+args[0]+"/pause", struct{}{}, nil)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <session_id>",
	Short: "Resume a paused session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postJSON("/sessions/"+args[0]+"/resume", struct{}{}, nil)
	},
}

var seekTimeSeconds float64

var seekCmd = &cobra.Command{
	Use:   "seek <session_id>",
	Short: "Seek a session to a playback time",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postJSON("/sessions/"+args[0]+"/seek", map[string]float64{
			"time_seconds": seekTimeSeconds,
		}, nil)
	},
}

var (
	qualityVariantIx int
	qualityAuto      bool
)

var qualityCmd = &cobra.Command{
	Use:   "quality <session_id>",
	Short: "Pin or unlock a session's rendition quality",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return postJSON("/sessions/"+args[0]+"/quality", map[string]interface{}{
			"variant_index": qualityVariantIx,
			"auto":          qualityAuto,
		}, nil)
	},
}

var closeCmd = &cobra.Command{
	Use:   "close <session_id>",
	Short: "Close a session and release its resources",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return deleteRequest("/sessions/" + args[0])
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <session_id>",
	Short: "Show a session's current stats",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var stats map[string]interface{}
		if err := getJSON("/sessions/"+args[0], &stats); err != nil {
			return err
		}
		for k, v := range stats {
			fmt.Printf("%s: %v\n", k, v)
		}
		return nil
	},
}

func init() {
	seekCmd.Flags().Float64Var(&seekTimeSeconds, "time", 0, "playback time to seek to, in seconds")

	qualityCmd.Flags().IntVar(&qualityVariantIx, "variant", 0, "variant index to pin")
	qualityCmd.Flags().BoolVar(&qualityAuto, "auto", false, "return to automatic ABR selection")

	rootCmd.AddCommand(pauseCmd, resumeCmd, seekCmd, qualityCmd, closeCmd, statusCmd)
}
