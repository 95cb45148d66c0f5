package dataset

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Credentials for external data providers, read from a fixed-location file
// outside the recipe. Credentials never appear in recipes or cache filenames.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoadCredentials reads a credentials file. JSON is preferred
// (`{"username": ..., "password": ...}`); the legacy two-line text form
// (username on the first line, password on the second) is also accepted.
func LoadCredentials(path string) (*Credentials, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &MissingDataError{Path: path}
		}
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal(raw, &creds); err == nil && creds.Username != "" {
		return &creds, nil
	}

	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) < 2 {
		return nil, &FormatError{Path: path, Err: fmt.Errorf("expected JSON or two-line username/password")}
	}
	return &Credentials{
		Username: strings.TrimSpace(lines[0]),
		Password: strings.TrimSpace(lines[1]),
	}, nil
}
