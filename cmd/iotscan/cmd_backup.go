package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/HerbHall/iotscan/internal/backup"
	"github.com/HerbHall/iotscan/internal/config"
)

func runBackup(args []string) {
	fs := flag.NewFlagSet("backup", flag.ExitOnError)
	output := fs.String("output", "", "output file path (default: iotscan-backup-{timestamp}.tar.gz)")
	configPath := fs.String("config", "", "config file to read database.path from and include in the backup")

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	v, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "backup failed: %v\n", err)
		os.Exit(1)
	}
	dbPath := config.New(v).GetString("database.path")
	if dbPath == "" {
		fmt.Fprintln(os.Stderr, "backup failed: database.path is empty, device history is disabled")
		os.Exit(1)
	}

	if *output == "" {
		*output = fmt.Sprintf("iotscan-backup-%s.tar.gz", time.Now().Format("20060102-150405"))
	}

	m, err := backup.Backup(context.Background(), dbPath, v.ConfigFileUsed(), *output)
	if err != nil {
		fmt.Fprintf(os.Stderr, "backup failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Backup created: %s (database %s", *output, m.Database)
	if m.Config != "" {
		fmt.Printf(", config %s", m.Config)
	}
	fmt.Println(")")
}
