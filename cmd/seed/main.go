// seed inserts development sample data for local testing.
// Idempotent: skips inserts if the dev user (dev@example.com) already exists.
// With JWT_PRIVATE_KEY set it also prints a dev bearer token for curl.
package main

import (
	"context"
	"errors"
	"log"
	"time"

	"unnati-cloud-labs/backend/internal/config"
	"unnati-cloud-labs/backend/internal/db"
	"unnati-cloud-labs/backend/internal/ledger"
	ledgerrepo "unnati-cloud-labs/backend/internal/ledger/repository"
	"unnati-cloud-labs/backend/internal/security"
	userdomain "unnati-cloud-labs/backend/internal/user/domain"
	userrepo "unnati-cloud-labs/backend/internal/user/repository"
)

const (
	devUserID    = "dev-user-001"
	devUserEmail = "dev@example.com"
	devUser2ID   = "dev-user-002"
	devUser2Mail = "member@example.com"
	devCredits   = 10
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	users := userrepo.NewPostgresRepository(conn)
	credits := ledger.New(ledgerrepo.NewPostgresRepository(conn))

	if _, err := users.GetByEmail(ctx, devUserEmail); err == nil {
		log.Printf("seed: %s already exists, skipping inserts", devUserEmail)
	} else if !errors.Is(err, userrepo.ErrNotFound) {
		log.Fatalf("seed: %v", err)
	} else {
		seedUsers(ctx, users, credits)
	}

	if cfg.JWTPrivateKey != "" {
		printDevToken(cfg)
	}
}

func seedUsers(ctx context.Context, users *userrepo.PostgresRepository, credits *ledger.Ledger) {
	for _, u := range []*userdomain.User{
		{ID: devUserID, Email: devUserEmail, Name: "Dev User"},
		{ID: devUser2ID, Email: devUser2Mail, Name: "Member User"},
	} {
		if err := users.Create(ctx, u); err != nil {
			log.Fatalf("seed: create user %s: %v", u.Email, err)
		}
		if _, err := credits.Purchase(ctx, u.ID, devCredits); err != nil {
			log.Fatalf("seed: credit user %s: %v", u.Email, err)
		}
		log.Printf("seed: created %s with %d credits", u.Email, devCredits)
	}
}

func printDevToken(cfg *config.Config) {
	privateKey, err := security.ParsePrivateKey(cfg.JWTPrivateKey)
	if err != nil {
		log.Fatalf("seed: jwt private key: %v", err)
	}
	publicKey, err := security.ParsePublicKey(cfg.JWTPublicKey)
	if err != nil {
		log.Fatalf("seed: jwt public key: %v", err)
	}
	tokens := security.NewTokenProvider(privateKey, publicKey, cfg.JWTIssuer, cfg.JWTAudience)
	token, err := tokens.IssueAccess(devUserID, devUserEmail, 24*time.Hour)
	if err != nil {
		log.Fatalf("seed: issue token: %v", err)
	}
	log.Printf("seed: dev bearer token for %s:\n%s", devUserEmail, token)
}
