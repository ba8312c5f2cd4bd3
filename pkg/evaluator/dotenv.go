package evaluator

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// DotEnvName is the name of the file in an environment directory holding
// environment variables to set on activation.
const DotEnvName = ".env"

// CheckEnv returns the error activating the environment directory at path
// would fail with, without changing any state.
func CheckEnv(path string) error {
	_, err := loadEnv(path)
	return err
}

func loadEnv(path string) (map[string]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", path)
	}
	return readDotEnv(path)
}

func readDotEnv(dir string) (map[string]string, error) {
	path := filepath.Join(dir, DotEnvName)
	m, err := godotenv.Read(path)
	var pathErr *fs.PathError
	switch {
	case err == nil:
		return m, nil
	case errors.Is(err, fs.ErrNotExist):
		return nil, nil
	case errors.As(err, &pathErr):
		return nil, err
	default:
		// Syntax errors do not name the file.
		return nil, fmt.Errorf("%s: %w", path, err)
	}
}
