package cmd

import (
	"context"
	"fmt"
	"time"

	"liveide/auth"
	"liveide/storage"
)

// SeedCmd populates the database with demo users, sessions, and messages
type SeedCmd struct {
	JWTSecret string `help:"HMAC secret used to print demo tokens" env:"LIVEIDE_JWT_SECRET" default:"dev-secret-key-change-in-production"`
}

// Run executes the seed command
func (s *SeedCmd) Run(cli *CLI) error {
	if cli.settings != nil && s.JWTSecret == defaultJWTSecret && cli.settings.JWTSecret != "" {
		s.JWTSecret = cli.settings.JWTSecret
	}

	store, err := storage.NewStore(expandPath(cli.DBPath))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	ctx := context.Background()
	issuer := auth.NewJWT(s.JWTSecret, 7*24*time.Hour)

	users := []storage.User{
		{Email: "admin@liveide.dev", Name: "Admin", Role: "admin"},
		{Email: "dev@liveide.dev", Name: "Developer", Role: "user"},
	}

	for i := range users {
		if err := store.CreateUser(ctx, &users[i]); err != nil {
			return fmt.Errorf("failed to create user %s: %w", users[i].Email, err)
		}

		session := &storage.Session{
			UserID: users[i].ID,
			Name:   fmt.Sprintf("%s workspace", users[i].Name),
		}
		if err := store.CreateSession(ctx, session); err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}

		welcome := &storage.Message{
			SessionID: session.ID,
			Type:      storage.MessageTypeStatus,
			FromRole:  storage.RoleIDE,
			Content:   "Session created",
		}
		if err := store.CreateMessage(ctx, welcome); err != nil {
			return fmt.Errorf("failed to create message: %w", err)
		}

		token, err := issuer.Issue(users[i].ID, users[i].Email)
		if err != nil {
			return fmt.Errorf("failed to issue token: %w", err)
		}

		fmt.Printf("%s\n  user id:    %s\n  session id: %s\n  token:      %s\n",
			users[i].Email, users[i].ID, session.ID, token)
	}

	fmt.Println("Seed complete.")
	return nil
}
