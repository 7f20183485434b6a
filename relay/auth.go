// Package relay adds Azure Relay Hybrid Connections support on top of a
// WebSocket library.
//
// It mints Shared Access Signature tokens, builds the $hc send and listen
// URIs, opens relay-authorized connections and runs a relayed server on a
// hybrid connection's control channel. The WebSocket protocol itself is
// supplied by a Transport; see the coderws and gorillaws subpackages.
package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
)

// TokenProvider generates authentication tokens for Azure Relay.
type TokenProvider interface {
	// GetToken returns a token string suitable for the sb-hc-token query
	// parameter, the ServiceBusAuthorization header or the renewToken
	// control message.
	GetToken(ctx context.Context, resourceURI string) (string, error)
}

// SASTokenProvider generates Shared Access Signature tokens.
type SASTokenProvider struct {
	KeyName string
	Key     string
	Expiry  time.Duration // DefaultTokenExpiry when zero
	Issuer  TokenIssuer
}

// GetToken generates a SAS token for the given resource URI.
func (p *SASTokenProvider) GetToken(_ context.Context, resourceURI string) (string, error) {
	return p.Issuer.CreateToken(resourceURI, p.KeyName, p.Key, p.Expiry)
}

// StaticToken is a TokenProvider that always returns the same token.
type StaticToken string

// GetToken returns t.
func (t StaticToken) GetToken(context.Context, string) (string, error) {
	return string(t), nil
}

// EntraScope is the OAuth2 scope Azure Relay accepts Entra ID tokens for.
const EntraScope = "https://relay.azure.net/.default"

// entraRefreshMargin is how long before expiry a cached Entra token is
// replaced.
const entraRefreshMargin = 5 * time.Minute

// EntraTokenProvider obtains OAuth2 tokens via Azure Identity
// (DefaultAzureCredential) and caches each one until shortly before it
// expires.
type EntraTokenProvider struct {
	cred azcore.TokenCredential

	mu     sync.Mutex
	cached azcore.AccessToken
}

// NewEntraTokenProvider creates a token provider using DefaultAzureCredential.
func NewEntraTokenProvider() (*EntraTokenProvider, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("create Azure credential: %w", err)
	}
	return &EntraTokenProvider{cred: cred}, nil
}

// NewEntraTokenProviderWithCredential creates a token provider backed by cred.
func NewEntraTokenProviderWithCredential(cred azcore.TokenCredential) *EntraTokenProvider {
	return &EntraTokenProvider{cred: cred}
}

// GetToken returns a bearer token scoped to EntraScope. resourceURI is
// ignored: one Entra token covers every entity in the namespace.
func (p *EntraTokenProvider) GetToken(ctx context.Context, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached.Token != "" && time.Until(p.cached.ExpiresOn) > entraRefreshMargin {
		return p.cached.Token, nil
	}
	tk, err := p.cred.GetToken(ctx, policy.TokenRequestOptions{
		Scopes: []string{EntraScope},
	})
	if err != nil {
		return "", fmt.Errorf("acquire Entra token: %w", err)
	}
	p.cached = tk
	return tk.Token, nil
}
