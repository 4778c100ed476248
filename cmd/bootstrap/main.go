// Command bootstrap prepares a Postgres deployment: it applies the schema,
// validates the action catalog seed, and optionally creates the first owner
// account. It is idempotent; rerunning against a prepared database only
// updates what changed.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/arbiterhq/arbiter/pkg/auth"
	"github.com/arbiterhq/arbiter/pkg/registry"
	"github.com/arbiterhq/arbiter/pkg/store"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("bootstrap", flag.ContinueOnError)
	var (
		dsn         = fs.String("database-url", os.Getenv("DATABASE_URL"), "Postgres DSN (defaults to DATABASE_URL)")
		catalogPath = fs.String("catalog", os.Getenv("ACTION_CATALOG_PATH"), "action catalog seed YAML (optional)")
		ownerEmail  = fs.String("owner-email", "", "create an owner account with this email (optional)")
		ownerWS     = fs.String("owner-workspace", "", "workspace id for the created owner")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *dsn == "" || !store.IsPostgresDSN(*dsn) {
		fmt.Fprintln(os.Stderr, "bootstrap: --database-url must be a Postgres DSN")
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	db, err := store.OpenPostgres(ctx, *dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bootstrap: %v\n", err)
		return 1
	}
	defer db.Close()

	if err := store.ApplySchema(ctx, db); err != nil {
		fmt.Fprintf(os.Stderr, "bootstrap: %v\n", err)
		return 1
	}
	fmt.Println("schema applied")

	reg := registry.Default()
	if *catalogPath != "" {
		reg, err = registry.LoadFile(*catalogPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "bootstrap: %v\n", err)
			return 1
		}
	}
	fmt.Printf("action catalog valid: %d actions (%s)\n",
		len(reg.ActionTypes()), strings.Join(reg.ActionTypes(), ", "))

	if *ownerEmail != "" {
		if *ownerWS == "" {
			fmt.Fprintln(os.Stderr, "bootstrap: --owner-workspace is required with --owner-email")
			return 2
		}
		password := os.Getenv("OWNER_PASSWORD")
		if password == "" {
			fmt.Fprintln(os.Stderr, "bootstrap: set OWNER_PASSWORD to create an owner")
			return 2
		}
		if err := createOwner(ctx, db, *ownerEmail, password, *ownerWS); err != nil {
			fmt.Fprintf(os.Stderr, "bootstrap: %v\n", err)
			return 1
		}
		fmt.Printf("owner ready: %s (workspace %s)\n", *ownerEmail, *ownerWS)
	}
	return 0
}

// createOwner upserts the owner row; rerunning with a new password rotates
// the hash but keeps the principal id stable.
func createOwner(ctx context.Context, db *sql.DB, email, password, workspaceID string) error {
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO auth_owners (email, password_hash, principal_id, workspace_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (email) DO UPDATE SET
			password_hash = EXCLUDED.password_hash,
			workspace_id  = EXCLUDED.workspace_id`,
		email, hash, "usr_"+uuid.NewString(), workspaceID)
	if err != nil {
		return fmt.Errorf("create owner: %w", err)
	}
	return nil
}
