// Package provision manages hybrid connections and their SAS authorization
// rules through the Microsoft.Relay ARM API.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/arm"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/relay/armrelay"

	"github.com/philsphicas/hycows/relay"
)

// Right is a SAS authorization right.
type Right = armrelay.AccessRights

// Rights accepted by EnsureAuthorizationRule.
const (
	RightListen Right = armrelay.AccessRightsListen
	RightSend   Right = armrelay.AccessRightsSend
	RightManage Right = armrelay.AccessRightsManage
)

// HybridConnection summarizes an ARM hybrid connection resource.
type HybridConnection struct {
	Name                        string
	ListenerCount               int32
	RequiresClientAuthorization bool
	UserMetadata                string
}

// Keys are the SAS keys of an authorization rule.
type Keys struct {
	KeyName                 string
	PrimaryKey              string
	SecondaryKey            string
	PrimaryConnectionString string
}

// TokenProvider returns a SAS provider signing with the primary key.
func (k *Keys) TokenProvider() *relay.SASTokenProvider {
	return &relay.SASTokenProvider{KeyName: k.KeyName, Key: k.PrimaryKey}
}

// CreateOptions configures CreateHybridConnection.
type CreateOptions struct {
	// RequiresClientAuthorization makes senders present a token.
	RequiresClientAuthorization bool
	UserMetadata                string
}

// Client manages hybrid connections in one relay namespace.
type Client struct {
	hc            *armrelay.HybridConnectionsClient
	resourceGroup string
	namespace     string
	logger        *slog.Logger
}

// NewClient creates a Client using DefaultAzureCredential. Options may be
// nil for Azure Public Cloud defaults.
func NewClient(subscriptionID, resourceGroup, namespace string, logger *slog.Logger, options *arm.ClientOptions) (*Client, error) {
	var credOpts *azidentity.DefaultAzureCredentialOptions
	if options != nil {
		credOpts = &azidentity.DefaultAzureCredentialOptions{
			ClientOptions: options.ClientOptions,
		}
	}
	cred, err := azidentity.NewDefaultAzureCredential(credOpts)
	if err != nil {
		return nil, fmt.Errorf("create Azure credential: %w", err)
	}
	return NewClientWithCredential(cred, subscriptionID, resourceGroup, namespace, logger, options)
}

// NewClientWithCredential creates a Client with a specific TokenCredential.
func NewClientWithCredential(cred azcore.TokenCredential, subscriptionID, resourceGroup, namespace string, logger *slog.Logger, options *arm.ClientOptions) (*Client, error) {
	switch {
	case subscriptionID == "":
		return nil, fmt.Errorf("subscription id is required")
	case resourceGroup == "":
		return nil, fmt.Errorf("resource group is required")
	case namespace == "":
		return nil, fmt.Errorf("relay namespace is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	factory, err := armrelay.NewClientFactory(subscriptionID, cred, options)
	if err != nil {
		return nil, fmt.Errorf("create relay client: %w", err)
	}
	return &Client{
		hc:            factory.NewHybridConnectionsClient(),
		resourceGroup: resourceGroup,
		namespace:     namespace,
		logger:        logger.With("namespace", namespace),
	}, nil
}

// CreateHybridConnection creates or updates a hybrid connection.
func (c *Client) CreateHybridConnection(ctx context.Context, name string, opts CreateOptions) (*HybridConnection, error) {
	params := armrelay.HybridConnection{
		Properties: &armrelay.HybridConnectionProperties{
			RequiresClientAuthorization: to.Ptr(opts.RequiresClientAuthorization),
		},
	}
	if opts.UserMetadata != "" {
		params.Properties.UserMetadata = to.Ptr(opts.UserMetadata)
	}
	c.logger.Debug("creating hybrid connection", "hyco", name)
	resp, err := c.hc.CreateOrUpdate(ctx, c.resourceGroup, c.namespace, name, params, nil)
	if err != nil {
		return nil, fmt.Errorf("create hybrid connection %s: %w", name, err)
	}
	return fromARM(&resp.HybridConnection), nil
}

// GetHybridConnection fetches a hybrid connection.
func (c *Client) GetHybridConnection(ctx context.Context, name string) (*HybridConnection, error) {
	resp, err := c.hc.Get(ctx, c.resourceGroup, c.namespace, name, nil)
	if err != nil {
		return nil, fmt.Errorf("get hybrid connection %s: %w", name, err)
	}
	return fromARM(&resp.HybridConnection), nil
}

// ListHybridConnections returns every hybrid connection in the namespace.
func (c *Client) ListHybridConnections(ctx context.Context) ([]HybridConnection, error) {
	var out []HybridConnection
	pager := c.hc.NewListByNamespacePager(c.resourceGroup, c.namespace, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list hybrid connections: %w", err)
		}
		for _, hc := range page.Value {
			if hc != nil {
				out = append(out, *fromARM(hc))
			}
		}
	}
	return out, nil
}

// DeleteHybridConnection removes a hybrid connection. Deleting one that
// does not exist is not an error.
func (c *Client) DeleteHybridConnection(ctx context.Context, name string) error {
	c.logger.Debug("deleting hybrid connection", "hyco", name)
	if _, err := c.hc.Delete(ctx, c.resourceGroup, c.namespace, name, nil); err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("delete hybrid connection %s: %w", name, err)
	}
	return nil
}

// EnsureAuthorizationRule creates or updates a SAS rule on a hybrid
// connection with the given rights.
func (c *Client) EnsureAuthorizationRule(ctx context.Context, hyco, rule string, rights ...Right) error {
	if len(rights) == 0 {
		return fmt.Errorf("authorization rule %s needs at least one right", rule)
	}
	params := armrelay.AuthorizationRule{
		Properties: &armrelay.AuthorizationRuleProperties{},
	}
	for _, r := range rights {
		params.Properties.Rights = append(params.Properties.Rights, to.Ptr(r))
	}
	c.logger.Debug("ensuring authorization rule", "hyco", hyco, "rule", rule, "rights", rights)
	if _, err := c.hc.CreateOrUpdateAuthorizationRule(ctx, c.resourceGroup, c.namespace, hyco, rule, params, nil); err != nil {
		return fmt.Errorf("create authorization rule %s: %w", rule, err)
	}
	return nil
}

// ListKeys returns the SAS keys of a hybrid connection authorization rule.
func (c *Client) ListKeys(ctx context.Context, hyco, rule string) (*Keys, error) {
	resp, err := c.hc.ListKeys(ctx, c.resourceGroup, c.namespace, hyco, rule, nil)
	if err != nil {
		return nil, fmt.Errorf("list keys for %s/%s: %w", hyco, rule, err)
	}
	k := &Keys{
		KeyName:                 deref(resp.KeyName),
		PrimaryKey:              deref(resp.PrimaryKey),
		SecondaryKey:            deref(resp.SecondaryKey),
		PrimaryConnectionString: deref(resp.PrimaryConnectionString),
	}
	if k.KeyName == "" {
		k.KeyName = rule
	}
	if k.PrimaryKey == "" {
		return nil, fmt.Errorf("list keys for %s/%s: empty primary key", hyco, rule)
	}
	return k, nil
}

func fromARM(hc *armrelay.HybridConnection) *HybridConnection {
	out := &HybridConnection{Name: deref(hc.Name)}
	if p := hc.Properties; p != nil {
		if p.ListenerCount != nil {
			out.ListenerCount = *p.ListenerCount
		}
		if p.RequiresClientAuthorization != nil {
			out.RequiresClientAuthorization = *p.RequiresClientAuthorization
		}
		out.UserMetadata = deref(p.UserMetadata)
	}
	return out
}

func isNotFound(err error) bool {
	var re *azcore.ResponseError
	return errors.As(err, &re) && re.StatusCode == http.StatusNotFound
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
