package main

import (
	"os"

	"github.com/yuguri76/fitbit/internal/cli"
)

func main() {
	cli.InitCLI()
	os.Exit(cli.ExecuteWithErrorCode(os.Args[1:]))
}
