package config

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads the first .env found in the working directory or one
// of its two parents, then ../../.env for binaries run from bin/.
// It returns the absolute path of the loaded file.
func LoadDotEnv() (string, bool) {
	var candidates []string
	if workDir, err := os.Getwd(); err == nil {
		parent := filepath.Dir(workDir)
		candidates = append(candidates,
			filepath.Join(workDir, ".env"),
			filepath.Join(parent, ".env"),
			filepath.Join(filepath.Dir(parent), ".env"),
		)
	}
	candidates = append(candidates, filepath.Join("..", "..", ".env"))

	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			continue
		}
		abs, _ := filepath.Abs(path)
		return abs, true
	}
	return "", false
}
