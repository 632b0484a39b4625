// Package main implements a one-shot seed command that creates a user
// directly in the fleetd database. It lives inside the server module so it
// can access server/internal/* packages.
//
// Usage:
//
//	go run ./cmd/seed \
//	  --username admin \
//	  --password secret \
//	  --role admin
//
// Environment variables:
//
//	ARKEEP_DB_DSN      SQLite file path or Postgres DSN (default: ./arkeep.db)
//	ARKEEP_SECRET_KEY  Master encryption key — must match the value used by fleetd
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/arkeep-io/arkeep/server/internal/auth"
	"github.com/arkeep-io/arkeep/server/internal/db"
	"github.com/arkeep-io/arkeep/server/internal/repository"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	username := flag.String("username", "", "Login username (required)")
	password := flag.String("password", "", "Plain-text password (required)")
	role := flag.String("role", "admin", "Role: admin, user, or viewer")
	flag.Parse()

	if *username == "" {
		return fmt.Errorf("--username is required")
	}
	if *password == "" {
		return fmt.Errorf("--password is required")
	}
	if *role != "admin" && *role != "user" && *role != "viewer" {
		return fmt.Errorf("--role must be 'admin', 'user' or 'viewer'")
	}

	dsn := envOrDefault("ARKEEP_DB_DSN", "./arkeep.db")

	secretKey := os.Getenv("ARKEEP_SECRET_KEY")
	if secretKey == "" {
		return fmt.Errorf(
			"ARKEEP_SECRET_KEY is not set\n" +
				"  Set it to the same value used by fleetd, otherwise the\n" +
				"  encrypted password will be unreadable at login time.",
		)
	}

	keyBytes := make([]byte, 32)
	copy(keyBytes, []byte(secretKey))
	if err := db.InitEncryption(keyBytes); err != nil {
		return fmt.Errorf("init encryption: %w", err)
	}

	logger, _ := zap.NewDevelopment()

	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      dsn,
		Logger:   logger,
		LogLevel: gormlogger.Silent, // suppress GORM query logs in seed output
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	hashed, err := auth.HashPassword(*password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	userRepo := repository.NewUserRepository(database)

	user := &db.User{
		Username: *username,
		Password: db.EncryptedString(hashed),
		Role:     *role,
		Active:   true,
	}

	if err := userRepo.Create(context.Background(), user); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return fmt.Errorf("a user with username %q already exists", *username)
		}
		return fmt.Errorf("create user: %w", err)
	}

	fmt.Printf("user created\n")
	fmt.Printf("  ID:       %s\n", user.ID)
	fmt.Printf("  Username: %s\n", user.Username)
	fmt.Printf("  Role:     %s\n", user.Role)

	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
