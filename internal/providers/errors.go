package providers

import (
	"encoding/json"
	"fmt"
	"strings"
)

// NotFoundError reports that no secret backs the requested role.
type NotFoundError struct {
	Source string
	Role   string
	Key    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: no secret %q for role %q (not found)", e.Source, e.Key, e.Role)
}

// secretDocument is the JSON layout cloud secret stores use for database
// credentials (the layout RDS-managed rotation writes).
type secretDocument struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// parseSecretDocument decodes a username/password JSON document.
func parseSecretDocument(raw []byte) (secretDocument, error) {
	var doc secretDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return secretDocument{}, fmt.Errorf("secret is not a JSON credential document: %w", err)
	}
	if strings.TrimSpace(doc.Username) == "" {
		return secretDocument{}, fmt.Errorf("secret has no username field")
	}
	return doc, nil
}
