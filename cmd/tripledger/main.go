package main

import (
	"os"

	"github.com/example/tripledger/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
