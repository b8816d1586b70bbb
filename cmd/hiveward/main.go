package main

import (
	"fmt"
	"log/slog"
	"os"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		run("daemon", nil)
		return
	}

	run(os.Args[1], os.Args[2:])
}

func run(cmd string, args []string) {
	var err error
	switch cmd {
	case "daemon":
		err = runDaemon()
	case "--setup":
		err = runSetup()
	case "--status":
		err = runStatus()
	case "--stop":
		err = runStop()
	case "agent":
		err = runAgent()
	case "backup":
		err = runBackup(args)
	case "restore":
		err = runRestore(args)
	case "secret":
		err = runSecret(args)
	case "version":
		fmt.Printf("hiveward %s\n", version)
	default:
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		slog.Error(cmd+" failed", "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: hiveward [command]

Commands:
  (none)     Start the coordination daemon
  --setup    Prepare data directories and a config skeleton
  --status   Print the running daemon's instance status
  --stop     Ask the running daemon to shut down
  agent      Run one agent process (spawned by the daemon)
  backup     Archive the data directory (-f <out.tar.zst>)
  restore    Restore a data directory archive (-f <backup.tar.zst> [-overwrite])
  secret     Manage vault secrets (set|ls|rm)
  version    Print version
`)
}
