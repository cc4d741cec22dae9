package spawner

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// resolveAPIKey looks up the API key the spawned agent needs: an
// explicit environment variable first, then a JSON auth file under the
// user's home directory (~/.codex/auth.json).
func resolveAPIKey(envVar string) (string, error) {
	if envVar == "" {
		envVar = "CODEX_API_KEY"
	}
	if key := os.Getenv(envVar); key != "" {
		return key, nil
	}

	home, err := os.UserHomeDir()
	if err == nil {
		path := filepath.Join(home, ".codex", "auth.json")
		if data, readErr := os.ReadFile(path); readErr == nil {
			var auth struct {
				APIKey string `json:"OPENAI_API_KEY"`
			}
			if json.Unmarshal(data, &auth) == nil && auth.APIKey != "" {
				return auth.APIKey, nil
			}
		}
	}

	return "", ErrAPIKeyNotFound
}
