package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"model-gateway/internal/database"

	"github.com/manifold-inc/manifold-sdk/lib/eflag"
)

func main() {
	dsn := flag.String("dsn", "", "Prediction ledger DSN")
	if err := eflag.SetFlagsFromEnvironment(); err != nil {
		panic(err)
	}
	flag.Parse()
	if *dsn == "" {
		fmt.Fprintln(os.Stderr, "Error: DSN environment variable is required")
		os.Exit(1)
	}

	migrationPath := filepath.Join("migrations", "create_prediction_ledger.sql")
	if flag.NArg() > 0 {
		migrationPath = flag.Arg(0)
	}

	migrationSQL, err := os.ReadFile(migrationPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading migration file %s: %v\n", migrationPath, err)
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := database.Open(ctx, *dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	for _, stmt := range splitStatements(string(migrationSQL)) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			fmt.Fprintf(os.Stderr, "Error executing statement: %v\n", err)
			fmt.Fprintf(os.Stderr, "Statement: %s\n", stmt)
			os.Exit(1)
		}
	}

	fmt.Println("Migration completed successfully!")
}

// splitStatements splits a migration on semicolons and drops comment lines
func splitStatements(migration string) []string {
	var out []string
	for _, stmt := range strings.Split(migration, ";") {
		var cleanLines []string
		for _, line := range strings.Split(stmt, "\n") {
			trimmed := strings.TrimSpace(line)
			if !strings.HasPrefix(trimmed, "--") && trimmed != "" {
				cleanLines = append(cleanLines, line)
			}
		}
		if len(cleanLines) > 0 {
			out = append(out, strings.Join(cleanLines, "\n"))
		}
	}
	return out
}
