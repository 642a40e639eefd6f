package cli

import (
	"github.com/spf13/cobra"
)

var recordOnce bool

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Sample live rates on a schedule and alert on drift",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Record(cmd.Context(), recordOnce)
	},
}

func init() {
	recordCmd.Flags().BoolVar(&recordOnce, "once", false, "Record the current bucket and exit")
}
