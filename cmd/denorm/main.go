// Command denorm compiles join queries and keeps denormalized documents
// consistent with the documents they embed.
package main

import (
	"os"

	"github.com/roach88/denorm/internal/cli"
)

func main() {
	os.Exit(cli.Execute(os.Args[1:], os.Stdout, os.Stderr))
}
