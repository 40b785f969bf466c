package config

import (
	"fmt"
	"os"
	"strings"
)

var secretsDir = "/run/secrets"

// ReadSecret читает обязательный секрет из /run/secrets/<name>.
// Если файла нет, используется переменная окружения с именем NAME.
func ReadSecret(name string) (string, error) {
	filePath := fmt.Sprintf("%s/%s", secretsDir, name)
	secretBytes, err := os.ReadFile(filePath)
	if err == nil {
		secret := strings.TrimSpace(string(secretBytes))
		if secret == "" {
			return "", fmt.Errorf("secret file %s is empty", filePath)
		}
		return secret, nil
	}
	if v := strings.TrimSpace(os.Getenv(strings.ToUpper(name))); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("failed to read secret %s: %w", name, err)
}

// ReadOptionalSecret возвращает "" если секрет не задан.
func ReadOptionalSecret(name string) string {
	v, err := ReadSecret(name)
	if err != nil {
		return ""
	}
	return v
}
