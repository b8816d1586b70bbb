package main

import (
	"fmt"
	"os"

	"github.com/hiveward/hiveward/internal/config"
	"github.com/hiveward/hiveward/internal/store"
	"github.com/hiveward/hiveward/internal/vault"
)

func runSecret(args []string) error {
	if len(args) == 0 {
		printSecretUsage()
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	passphrase := cfg.Vault.Passphrase
	if passphrase == "" {
		return fmt.Errorf("vault passphrase is required (HIVEWARD_VAULT_PASSPHRASE or vault.passphrase)")
	}

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	v := vault.New(passphrase, db)

	switch args[0] {
	case "set":
		if len(args) != 3 {
			return fmt.Errorf("usage: hiveward secret set <name> <value>")
		}
		if err := v.Set(args[1], []byte(args[2])); err != nil {
			return err
		}
		fmt.Printf("secret %s stored\n", args[1])
		return nil
	case "ls":
		names, err := v.List()
		if err != nil {
			return err
		}
		if len(names) == 0 {
			fmt.Println("No secrets stored.")
			return nil
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	case "rm":
		if len(args) != 2 {
			return fmt.Errorf("usage: hiveward secret rm <name>")
		}
		if err := v.Delete(args[1]); err != nil {
			return err
		}
		fmt.Printf("secret %s removed\n", args[1])
		return nil
	default:
		printSecretUsage()
		return fmt.Errorf("unknown secret command: %s", args[0])
	}
}

func printSecretUsage() {
	fmt.Fprintf(os.Stderr, `Usage: hiveward secret <command>

Commands:
  set <name> <value>   Store an encrypted secret
  ls                   List secret names
  rm <name>            Delete a secret

Roster env values of the form secret:<name> resolve at agent launch time.
`)
}
