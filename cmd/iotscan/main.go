// Command iotscan finds IoT boxes on the local network. It runs either as a
// one-shot scan or as a long-lived server with an HTTP API.
package main

import (
	"fmt"
	"os"

	"github.com/HerbHall/iotscan/internal/version"
)

const usage = `usage: iotscan <command> [flags]

commands:
  scan     scan local ranges once and print the boxes found
  serve    run the HTTP API server
  backup   archive the device history database and config
  restore  restore a backup archive
  version  print version information

Run "iotscan <command> -h" for command flags.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "scan":
		os.Exit(runScan(args, os.Stdout, os.Stderr))
	case "serve":
		runServe(args)
	case "backup":
		runBackup(args)
	case "restore":
		runRestore(args)
	case "version", "-version", "--version":
		fmt.Println(version.Info())
	case "help", "-h", "--help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
}
