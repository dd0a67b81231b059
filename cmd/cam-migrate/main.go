package main

import (
	"context"
	"flag"
	"log"

	"github.com/campipeline/cam/pkg/storage"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	databaseURL = flag.String("database-url", "", "Postgres connection string (required)")
	dryRun      = flag.Bool("dry-run", false, "Print the DDL without applying it")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("cam schema migration tool")
	log.Println("==========================")

	if *databaseURL == "" {
		log.Fatal("--database-url is required")
	}

	if *dryRun {
		log.Println("[DRY RUN] Would apply the following DDL:")
		log.Println(storage.Schema)
		return
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, *databaseURL)
	if err != nil {
		log.Fatalf("connect to database: %v", err)
	}
	defer pool.Close()

	if _, err := pool.Exec(ctx, storage.Schema); err != nil {
		log.Fatalf("apply schema: %v", err)
	}

	log.Println("✓ Schema applied successfully")
}
