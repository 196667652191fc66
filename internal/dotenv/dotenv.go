// Package dotenv loads local configuration from a .env file before the
// flag/env layer reads it.
package dotenv

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Load reads KEY=VALUE pairs into the process environment. With an
// empty path it tries ./.env and treats its absence as fine; an
// explicitly named file must exist.
func Load(path string) error {
	if path == "" {
		if err := godotenv.Load(); err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}
