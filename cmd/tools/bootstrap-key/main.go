// Command bootstrap-key mints the first ingest key in an empty datastore so a
// deployment can switch on --require-key.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"ripplecast/internal/models"
	"ripplecast/internal/storage"
)

func main() {
	var (
		jsonPath    string
		postgresDSN string
		name        string
		scopes      string
	)

	flag.StringVar(&jsonPath, "json", "", "path to the JSON datastore")
	flag.StringVar(&postgresDSN, "postgres-dsn", "", "Postgres connection string")
	flag.StringVar(&name, "name", "", "human-readable name for the key")
	flag.StringVar(&scopes, "scopes", "admin", "comma separated scopes (ingest, admin)")
	flag.Parse()

	if jsonPath == "" && postgresDSN == "" {
		fatalf("either --json or --postgres-dsn must be provided")
	}
	if jsonPath != "" && postgresDSN != "" {
		fatalf("only one datastore option may be provided")
	}
	if strings.TrimSpace(name) == "" {
		fatalf("--name is required")
	}

	parsedScopes, err := parseScopes(scopes)
	if err != nil {
		fatalf("parse scopes: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	repo, err := openRepository(ctx, jsonPath, postgresDSN)
	if err != nil {
		fatalf("open datastore: %v", err)
	}
	defer func() {
		_ = repo.Close(context.Background())
	}()

	key, token, err := storage.NewIngestKey(strings.TrimSpace(name), parsedScopes)
	if err != nil {
		fatalf("mint key: %v", err)
	}
	if err := repo.CreateKey(ctx, key); err != nil {
		fatalf("store key: %v", err)
	}

	fmt.Printf("Ingest key %s (%s) created.\n", key.ID, key.Name)
	fmt.Printf("Token (shown once, store it now): %s\n", token)
}

func parseScopes(raw string) ([]models.KeyScope, error) {
	parts := strings.Split(raw, ",")
	scopes := make([]models.KeyScope, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		scope, err := models.ParseKeyScope(part)
		if err != nil {
			return nil, err
		}
		scopes = append(scopes, scope)
	}
	if len(scopes) == 0 {
		return nil, fmt.Errorf("at least one scope is required")
	}
	return scopes, nil
}

func openRepository(ctx context.Context, jsonPath, postgresDSN string) (storage.Repository, error) {
	if jsonPath != "" {
		return storage.NewJSONRepository(jsonPath)
	}
	return storage.NewPostgresRepository(ctx, postgresDSN)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
