// Command migrate applies the embedded Postgres schema migrations, a
// standalone CLI an operator runs before pointing the server at a
// fresh database, kept separate from gorm's connection step.
package main

import (
	"database/sql"
	"log"
	"os"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/colabtext/collabtext/internal/store"
)

func main() {
	_ = godotenv.Load()

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN must be set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	if err := store.MigratePostgres(db, "collabtext"); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	log.Println("migrations applied")
}
