package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
)

// RunMigrations aplica as migrações pendentes usando database/sql + lib/pq
func RunMigrations(dsn, migrationsPath string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("could not create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("could not create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("could not run migrations: %w", err)
	}

	log.Println("✅ Migrations applied")
	return nil
}

// SeedData é o formato do arquivo SEED_FILE
type SeedData struct {
	Products []Product `json:"products"`
	Orders   []Order   `json:"orders"`
}

// LoadSeedFile carrega produtos e pedidos PENDING de um arquivo JSON
func LoadSeedFile(ctx context.Context, seeder Seeder, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read seed file: %w", err)
	}

	var data SeedData
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("failed to parse seed file: %w", err)
	}

	for i := range data.Products {
		if err := seeder.SaveProduct(ctx, &data.Products[i]); err != nil {
			return err
		}
	}

	created := 0
	for i := range data.Orders {
		order := &data.Orders[i]
		if order.Status == "" {
			order.Status = OrderStatusPending
		}
		if err := seeder.CreateOrder(ctx, order); err != nil {
			log.Printf("⚠️  [SEED] Skipping order %s: %v", order.ID, err)
			continue
		}
		created++
	}

	log.Printf("✅ [SEED] Loaded %d products and %d orders from %s", len(data.Products), created, path)
	return nil
}
