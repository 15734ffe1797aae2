package delivery

import (
	"fmt"
	"os"
)

// Environment variables selecting the receipt index backend.
const (
	EnvReceiptStore       = "OCP_RECEIPT_STORE"
	EnvReceiptSQLitePath  = "OCP_RECEIPT_SQLITE_PATH"
	EnvReceiptDatabaseURL = "OCP_RECEIPT_DATABASE_URL"
)

// NewReceiptIndexFromEnv builds the receipt index named by OCP_RECEIPT_STORE:
// "sqlite", "postgres", "memory", or "" for no index at all.
func NewReceiptIndexFromEnv() (ReceiptIndex, error) {
	backend := os.Getenv(EnvReceiptStore)
	switch backend {
	case "":
		return nil, nil
	case "memory":
		return NewMemoryReceiptIndex(), nil
	case "sqlite":
		path := os.Getenv(EnvReceiptSQLitePath)
		if path == "" {
			return nil, fmt.Errorf("delivery: %s is required for the sqlite receipt index", EnvReceiptSQLitePath)
		}
		return OpenSQLiteReceiptIndex(path)
	case "postgres":
		dsn := os.Getenv(EnvReceiptDatabaseURL)
		if dsn == "" {
			return nil, fmt.Errorf("delivery: %s is required for the postgres receipt index", EnvReceiptDatabaseURL)
		}
		return OpenPostgresReceiptIndex(dsn)
	default:
		return nil, fmt.Errorf("delivery: unsupported receipt store %q", backend)
	}
}
