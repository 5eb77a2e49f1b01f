// midas is a personal knowledge-capture server: it turns Bilibili videos and
// Xiaohongshu notes into markdown summaries stored in a local library.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version is overridden by ldflags at build time.
	Version = "0.3.0"
	Build   = "dev"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "midas",
	Short:         "Personal multimodal knowledge-capture server",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("midas %s (%s)\n", Version, Build)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "midas.yaml",
		"path to the config file; relative settings resolve against its directory")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
