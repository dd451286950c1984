package main

import (
	"os"

	"github.com/Martian-dev/invoice-ingest/internal/cli"
)

func main() {
	os.Exit(cli.ExecuteWithErrorCode(os.Args[1:]))
}
