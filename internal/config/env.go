package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// loadEnvFile applies a dotenv file without overriding variables already set.
// An explicitly named file must exist; the implicit ./.env is optional.
func loadEnvFile(path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", path, err)
		}
		return nil
	}

	if st, err := os.Stat(".env"); err == nil && !st.IsDir() {
		if err := godotenv.Load(".env"); err != nil {
			return fmt.Errorf("failed to load .env: %w", err)
		}
	}
	return nil
}
