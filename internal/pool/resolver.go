package pool

import (
	"context"
	"fmt"
	"time"

	"github.com/toolplane/toolplane/internal/crypto"
	"github.com/toolplane/toolplane/internal/store"
	"github.com/toolplane/toolplane/pkg/models"
)

// ErrNoCredential is returned when a credentialed server has no stored
// credential for the requesting owner. The caller surfaces the server's
// setup instructions to the user.
type ErrNoCredential struct {
	ServerID     string
	Scope        models.CredentialScope
	Instructions string
}

func (e *ErrNoCredential) Error() string {
	return fmt.Sprintf("no %s credential for server %q", e.Scope, e.ServerID)
}

// credentialResolver turns stored, encrypted credentials into request
// auth headers.
type credentialResolver struct {
	store  store.CredentialStore
	crypto *crypto.Service
}

// headersFor resolves the credential for (scope, owner, server) and builds
// the Authorization header. OAuth tokens within five minutes of expiry are
// rejected with crypto.ErrTokenExpired; refresh is not implemented.
func (r *credentialResolver) headersFor(ctx context.Context, server *models.ToolServer, scope models.CredentialScope, ownerID string) (map[string]string, error) {
	cred, err := r.store.FindCredential(ctx, scope, ownerID, server.ID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, &ErrNoCredential{ServerID: server.ID, Scope: scope, Instructions: server.Instructions}
		}
		return nil, fmt.Errorf("find credential: %w", err)
	}

	if cred.Type == models.CredentialOAuth && crypto.IsTokenExpired(cred.OAuthExpiry, time.Now()) {
		return nil, fmt.Errorf("server %q: %w", server.ID, crypto.ErrTokenExpired)
	}

	var payload models.CredentialPayload
	if err := r.crypto.Decrypt(cred.Ciphertext, &payload); err != nil {
		return nil, fmt.Errorf("decrypt credential for server %q: %w", server.ID, err)
	}

	token := payload.BearerToken()
	if token == "" {
		return nil, fmt.Errorf("credential for server %q has no usable token", server.ID)
	}
	return map[string]string{"Authorization": "Bearer " + token}, nil
}
