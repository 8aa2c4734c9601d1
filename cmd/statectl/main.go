// Command statectl inspects persisted store state and debug recordings.
package main

import (
	"fmt"
	"os"

	"github.com/bjpl/describe-it-sub004/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(cli.GetExitCode(err))
}
