package commands

import (
	"context"
	"fmt"
	"io"

	"parley/internal/api"
	"parley/internal/models"
)

type Authenticator interface {
	Login(ctx context.Context, email, password string) (api.LoginResponse, error)
}

type SessionStore interface {
	SaveSession(baseURL string, identity models.Identity) error
}

// Login exchanges credentials for a token and saves it for later runs.
func Login(ctx context.Context, auth Authenticator, sessions SessionStore, baseURL, email, password string, out io.Writer) error {
	if email == "" || password == "" {
		return fmt.Errorf("email and password are required")
	}

	resp, err := auth.Login(ctx, email, password)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	identity := resp.Identity()
	if !identity.Valid() {
		return fmt.Errorf("login failed: server returned no token")
	}

	if err := sessions.SaveSession(baseURL, identity); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	name := resp.User.Name
	if name == "" {
		name = fmt.Sprintf("user %d", identity.UserID)
	}
	_, _ = fmt.Fprintf(out, "Logged in as %s (id %d) at %s\n", name, identity.UserID, baseURL)
	return nil
}
