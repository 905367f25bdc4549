/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/friendsincode/airwave/internal/auth"
	"github.com/friendsincode/airwave/internal/db"
	"github.com/friendsincode/airwave/internal/models"
	"github.com/friendsincode/airwave/internal/store"
)

var (
	userEmail       string
	userPassword    string
	userDisplayName string

	apiKeyEmail   string
	apiKeyName    string
	apiKeyExpires time.Duration
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage user accounts",
}

var userCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a user that can log in and own media, broadcasts and channels",
	Long: `Create a user account.

The password is read from --password or, when omitted, from the first line of stdin.

Examples:
  airwave user create --email dj@example.com --password 'correct horse'
  echo 'correct horse' | airwave user create --email dj@example.com
`,
	RunE: runUserCreate,
}

var apiKeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Manage API keys",
}

var apiKeyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Issue an API key for a user; the key is printed once",
	RunE:  runAPIKeyCreate,
}

func init() {
	userCreateCmd.Flags().StringVar(&userEmail, "email", "", "Login email (required)")
	userCreateCmd.Flags().StringVar(&userPassword, "password", "", "Password; read from stdin when empty")
	userCreateCmd.Flags().StringVar(&userDisplayName, "name", "", "Display name")
	_ = userCreateCmd.MarkFlagRequired("email")
	userCmd.AddCommand(userCreateCmd)

	apiKeyCreateCmd.Flags().StringVar(&apiKeyEmail, "email", "", "Email of the key owner (required)")
	apiKeyCreateCmd.Flags().StringVar(&apiKeyName, "name", "cli", "Label for the key")
	apiKeyCreateCmd.Flags().DurationVar(&apiKeyExpires, "expires", 365*24*time.Hour, "Key lifetime")
	_ = apiKeyCreateCmd.MarkFlagRequired("email")
	apiKeyCmd.AddCommand(apiKeyCreateCmd)

	rootCmd.AddCommand(userCmd, apiKeyCmd)
}

func runUserCreate(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	password := userPassword
	if password == "" {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read password from stdin: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}

	database, err := initDatabase()
	if err != nil {
		return err
	}
	defer db.Close(database)

	user := &models.User{
		ID:           uuid.NewString(),
		Email:        strings.ToLower(strings.TrimSpace(userEmail)),
		PasswordHash: hash,
		DisplayName:  userDisplayName,
	}
	if err := store.New(database).CreateUser(context.Background(), user); err != nil {
		return fmt.Errorf("create user: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "created user %s (%s)\n", user.Email, user.ID)
	return nil
}

func runAPIKeyCreate(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	database, err := initDatabase()
	if err != nil {
		return err
	}
	defer db.Close(database)

	ctx := context.Background()
	st := store.New(database)
	user, err := st.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(apiKeyEmail)))
	if err != nil {
		return fmt.Errorf("find user: %w", err)
	}

	plaintext, key, err := auth.GenerateAPIKey(user.ID, apiKeyName, apiKeyExpires)
	if err != nil {
		return err
	}
	if err := st.CreateAPIKey(ctx, key); err != nil {
		return fmt.Errorf("store api key: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s\n", plaintext)
	fmt.Fprintf(cmd.ErrOrStderr(), "key %s for %s expires %s; it will not be shown again\n",
		key.KeyPrefix, user.Email, key.ExpiresAt.Format(time.RFC3339))
	return nil
}
