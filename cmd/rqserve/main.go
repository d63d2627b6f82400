// Command rqserve is the CLI entrypoint for the request-queue overlay
// share. It loads configuration, constructs the Share, starts the sync
// processor in the background, and fronts the overlay tree with a small
// HTTP control/data surface (see serve.go) — the SMB wire protocol itself
// is the out-of-scope external front end (spec §1); this plays the same
// role the teacher's cmd/serve/http and cmd/serve/webdav play for rclone's
// VFS layer.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "dev"

var rootCmd = &cobra.Command{
	Use:   "rqserve",
	Short: "Serve a request-queue overlay share",
	Long: `rqserve serves a network file share whose contents are a
write-through, read-caching overlay of a remote content repository
accessed over HTTP. Client operations are served from a local cache
when possible; mutations are captured in a durable request queue and
replayed against the remote repository by a background sync processor.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the rqserve version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("rqserve", version)
	},
}

func main() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
