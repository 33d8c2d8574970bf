package main

import (
	"os"

	"student-query-agent/internal/cli"
)

func main() {
	os.Exit(cli.Main())
}
