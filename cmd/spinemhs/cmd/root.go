package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "spinemhs",
	Short: "Message handling service for the NHS Spine",
	Long: `spinemhs is a message handling service (MHS) for the NHS Spine.

It sends and receives ebXML-wrapped HL7v3 messages over mutually
authenticated TLS, with reliable retry, on-disk persistence of
unacknowledged messages, and inbound duplicate elimination.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "/etc/spine/spinemhs.yaml", "configuration file")
}
