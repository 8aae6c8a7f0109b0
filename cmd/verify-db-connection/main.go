package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"strings"

	"otc-backend/internal/config"
	"otc-backend/internal/db"

	_ "github.com/lib/pq"
)

// column widths the registry relies on: bytes32 ids and tx hashes are 66 chars
var requiredColumns = []struct {
	table  string
	column string
	size   int64
}{
	{"otc_settlements", "id", 66},
	{"otc_settlements", "create_tx_hash", 66},
	{"otc_settlements", "settle_tx_hash", 66},
	{"otc_settlements", "client", 42},
	{"otc_step_failures", "settlement_id", 66},
	{"otc_sync_cursors", "name", 0},
}

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	migrate := flag.Bool("migrate", false, "run the schema migration before checking")
	flag.Parse()

	fmt.Println("🔍 Verifying database connection and settlement registry schema...")
	fmt.Println(strings.Repeat("=", 60))

	if err := config.LoadConfig(*configPath); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	dsn := config.AppConfig.Database.DSN
	if dsn == "" {
		log.Fatalf("database.dsn is empty (set DATABASE_DSN)")
	}

	if *migrate {
		gormDB, err := db.InitDB(dsn)
		if err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		if sqlDB, err := gormDB.DB(); err == nil {
			sqlDB.Close()
		}
	}

	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer sqlDB.Close()

	var dbName string
	if err := sqlDB.QueryRow("SELECT current_database()").Scan(&dbName); err != nil {
		log.Fatalf("Failed to get database name: %v", err)
	}
	fmt.Printf("📋 Connected to database: %s\n", dbName)

	problems := 0
	for _, col := range requiredColumns {
		var size sql.NullInt64
		err := sqlDB.QueryRow(`
			SELECT character_maximum_length
			FROM information_schema.columns
			WHERE table_schema = 'public'
			AND table_name = $1
			AND column_name = $2
		`, col.table, col.column).Scan(&size)
		switch {
		case err == sql.ErrNoRows:
			fmt.Printf("❌ %s.%s does not exist (run with -migrate)\n", col.table, col.column)
			problems++
		case err != nil:
			log.Fatalf("Failed to query %s.%s: %v", col.table, col.column, err)
		case col.size > 0 && size.Valid && size.Int64 < col.size:
			fmt.Printf("❌ %s.%s is VARCHAR(%d), need at least %d\n", col.table, col.column, size.Int64, col.size)
			problems++
		default:
			fmt.Printf("✅ %s.%s\n", col.table, col.column)
		}
	}

	var pending int64
	if err := sqlDB.QueryRow(`SELECT COUNT(*) FROM otc_settlements WHERE status IN ('funded', 'finality_pending')`).Scan(&pending); err == nil {
		fmt.Printf("📋 Settlements awaiting finalization: %d\n", pending)
	}

	if problems > 0 {
		log.Fatalf("❌ %d schema problem(s) found", problems)
	}
	fmt.Println("✅ Settlement registry schema looks good")
}
