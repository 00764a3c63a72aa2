// Command stablepool validates a pool of proxy configuration URIs and
// maintains a stable, scored selection of the ones that currently work.
package main

import (
	"context"
	"os"

	"stablepool/internal/cli"
)

func main() {
	root := cli.NewRootCommand()
	if err := root.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
