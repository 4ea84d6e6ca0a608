package drive

import (
	"encoding/base64"
	"fmt"
	"os"

	"github.com/tidwall/gjson"

	apperrors "github.com/ShadowGaming100/upload-to-drive/internal/errors"
)

// Credentials holds a parsed service account key and the identity it
// acts as.
type Credentials struct {
	JSON  []byte
	Email string
}

// LoadCredentials accepts either a path to a service account key file
// or the base64-encoded key JSON itself, and validates that the key
// really is a service account key with a usable identity.
func LoadCredentials(value string) (*Credentials, error) {
	data, err := readCredentials(value)
	if err != nil {
		return nil, err
	}

	if typ := gjson.GetBytes(data, "type").Str; typ != "service_account" {
		return nil, fmt.Errorf("%w: type %q", apperrors.ErrBadCredentials, typ)
	}

	email := gjson.GetBytes(data, "client_email").Str
	if email == "" {
		return nil, fmt.Errorf("%w: missing client_email", apperrors.ErrBadCredentials)
	}

	return &Credentials{JSON: data, Email: email}, nil
}

func readCredentials(value string) ([]byte, error) {
	if info, err := os.Stat(value); err == nil && info.Mode().IsRegular() {
		data, err := os.ReadFile(value)
		if err != nil {
			return nil, fmt.Errorf("reading credentials file: %w", err)
		}

		return data, nil
	}

	data, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: not a file path and not valid base64", apperrors.ErrBadCredentials)
	}

	return data, nil
}
