// Command mcpbox-rotate-key re-encrypts every stored secret under a new
// master key. Run it offline, with the control plane stopped.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/mcpbox/mcpbox/common/crypto"
	"github.com/mcpbox/mcpbox/common/environment"
	"github.com/mcpbox/mcpbox/internal/mgmt/logging"
	"github.com/mcpbox/mcpbox/internal/mgmt/rotate"
	"github.com/mcpbox/mcpbox/internal/mgmt/store"
)

func main() {
	dbPath := flag.String("db", environment.StringOr("MCPBOX_DB_PATH", "./mcpbox.db"), "path to the MCPbox database")
	dryRun := flag.Bool("dry-run", false, "verify every row decrypts under the current key without writing")
	flag.Parse()

	logging.Setup(environment.StringOr("MCPBOX_LOG_LEVEL", "info"), "text")

	oldKey, err := loadKey("MCPBOX_MASTER_KEY")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	newKey, err := loadKey("MCPBOX_NEW_MASTER_KEY")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\nGenerate one with: openssl rand -hex 32\n", err)
		os.Exit(1)
	}

	st, err := store.New(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: open database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	counts, err := rotate.New(st, oldKey, newKey, nil).Run(context.Background(), *dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Rotation aborted, nothing was rewritten: %v\n", err)
		os.Exit(1)
	}

	verb := "rotated"
	if *dryRun {
		verb = "verified"
	}
	fmt.Printf("%s %d fields: %d credentials, %d server secrets, %d external sources, %d settings\n",
		verb, counts.Fields, counts.Credentials, counts.ServerSecrets, counts.ExternalSources, counts.Settings)
	if !*dryRun {
		fmt.Println("Update MCPBOX_MASTER_KEY to the new key before restarting the control plane.")
	}
}

func loadKey(envVar string) ([]byte, error) {
	hex, err := environment.RequiredString(envVar)
	if err != nil {
		return nil, err
	}
	key, err := crypto.ParseMasterKey(hex)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", envVar, err)
	}
	return key, nil
}
