package bootstrap

import (
	"context"
	"testing"

	"github.com/JunyuZhan/pis-worker/internal/config"
	"github.com/JunyuZhan/pis-worker/internal/logger"
)

func TestOpenDatabaseMemory(t *testing.T) {
	db, err := OpenDatabase(context.Background(), &config.Config{DatabaseType: "memory"}, logger.Nop())
	if err != nil {
		t.Fatalf("OpenDatabase: %v", err)
	}
	defer db.Close()
	if err := db.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestOpenDatabaseUnknownType(t *testing.T) {
	_, err := OpenDatabase(context.Background(), &config.Config{DatabaseType: "oracle"}, logger.Nop())
	if err == nil {
		t.Fatal("expected an error for an unknown database type")
	}
}

func TestOpenStorageMemory(t *testing.T) {
	adapter, err := OpenStorage(context.Background(), &config.Config{StorageType: "memory"}, logger.Nop())
	if err != nil {
		t.Fatalf("OpenStorage: %v", err)
	}
	defer adapter.Close()
}

func TestOpenStorageUnknownType(t *testing.T) {
	_, err := OpenStorage(context.Background(), &config.Config{StorageType: "tape"}, logger.Nop())
	if err == nil {
		t.Fatal("expected an error for an unknown storage type")
	}
}
