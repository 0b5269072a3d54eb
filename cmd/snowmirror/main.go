// Command snowmirror ingests decoded entity payloads into a diffing mirror,
// journals the resulting change envelopes and replays or queries the journal.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/snowmirror/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
