// Package fake provides an in-memory CloudClient for tests. It honors the
// ensure contract: re-invocation for an existing resource returns the same
// identity without creating a duplicate.
package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/edgelift/edgelift/pkg/deployers"
)

// Client is an in-memory deployers.CloudClient. The zero value is not usable;
// call New.
type Client struct {
	mu sync.Mutex

	failures map[string]*injection

	enabledAPIs     map[string]bool
	serviceAccounts map[string]string
	projectRoles    map[string]bool
	saRoles         map[string]bool
	functions       map[string]string
	gatewayAPIs     map[string]bool
	gatewayConfigs  map[string]bool
	gateways        map[string]string
	apiKeys         map[string]string
	pools           map[string]bool
	providers       map[string]bool
	rulesReleases   map[string]string
	webApps         map[string]string

	creations map[string]int
	calls     []string
}

type injection struct {
	remaining int
	err       error
}

var _ deployers.CloudClient = (*Client)(nil)

// New returns an empty in-memory client.
func New() *Client {
	return &Client{
		failures:        make(map[string]*injection),
		enabledAPIs:     make(map[string]bool),
		serviceAccounts: make(map[string]string),
		projectRoles:    make(map[string]bool),
		saRoles:         make(map[string]bool),
		functions:       make(map[string]string),
		gatewayAPIs:     make(map[string]bool),
		gatewayConfigs:  make(map[string]bool),
		gateways:        make(map[string]string),
		apiKeys:         make(map[string]string),
		pools:           make(map[string]bool),
		providers:       make(map[string]bool),
		rulesReleases:   make(map[string]string),
		webApps:         make(map[string]string),
		creations:       make(map[string]int),
	}
}

// FailNext makes the next n invocations of the named operation return err.
// Operation names match the CloudClient method names.
func (c *Client) FailNext(op string, n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[op] = &injection{remaining: n, err: err}
}

// Creations returns how many times the named resource was actually created,
// as opposed to found already existing.
func (c *Client) Creations(resource string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creations[resource]
}

// Calls returns the recorded operation log.
func (c *Client) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.calls))
	copy(out, c.calls)
	return out
}

// record logs a call and returns an injected failure, if one is armed.
// Callers must hold the mutex.
func (c *Client) record(op, detail string) error {
	c.calls = append(c.calls, op+" "+detail)
	if inj, ok := c.failures[op]; ok && inj.remaining > 0 {
		inj.remaining--
		return inj.err
	}
	return nil
}

func (c *Client) EnsureAPIEnabled(_ context.Context, projectID, service string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("EnsureAPIEnabled", service); err != nil {
		return err
	}
	key := projectID + "/" + service
	if !c.enabledAPIs[key] {
		c.enabledAPIs[key] = true
		c.creations["api:"+service]++
	}
	return nil
}

func (c *Client) EnsureServiceAccount(_ context.Context, projectID, accountID, _ string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("EnsureServiceAccount", accountID); err != nil {
		return "", err
	}
	key := projectID + "/" + accountID
	if email, ok := c.serviceAccounts[key]; ok {
		return email, nil
	}
	email := fmt.Sprintf("%s@%s.iam.gserviceaccount.com", accountID, projectID)
	c.serviceAccounts[key] = email
	c.creations["sa:"+accountID]++
	return email, nil
}

func (c *Client) GrantProjectRole(_ context.Context, projectID, member, role string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("GrantProjectRole", member+" "+role); err != nil {
		return err
	}
	c.projectRoles[projectID+"/"+member+"/"+role] = true
	return nil
}

func (c *Client) GrantServiceAccountRole(_ context.Context, projectID, serviceAccount, member, role string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("GrantServiceAccountRole", serviceAccount+" "+role); err != nil {
		return err
	}
	c.saRoles[projectID+"/"+serviceAccount+"/"+member+"/"+role] = true
	return nil
}

// HasProjectRole reports whether the binding was granted.
func (c *Client) HasProjectRole(projectID, member, role string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.projectRoles[projectID+"/"+member+"/"+role]
}

func (c *Client) DeployFunction(_ context.Context, projectID, region string, spec deployers.FunctionSpec) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("DeployFunction", spec.Name); err != nil {
		return "", err
	}
	key := projectID + "/" + spec.Name
	if url, ok := c.functions[key]; ok {
		return url, nil
	}
	url := fmt.Sprintf("https://%s-%s.cloudfunctions.net/%s", region, projectID, spec.Name)
	c.functions[key] = url
	c.creations["function:"+spec.Name]++
	return url, nil
}

func (c *Client) EnsureGatewayAPI(_ context.Context, projectID, apiID, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("EnsureGatewayAPI", apiID); err != nil {
		return err
	}
	key := projectID + "/" + apiID
	if !c.gatewayAPIs[key] {
		c.gatewayAPIs[key] = true
		c.creations["gatewayapi:"+apiID]++
	}
	return nil
}

func (c *Client) CreateGatewayConfig(_ context.Context, projectID, apiID, configID string, spec []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("CreateGatewayConfig", configID); err != nil {
		return err
	}
	if len(spec) == 0 {
		return fmt.Errorf("empty api config")
	}
	key := projectID + "/" + apiID + "/" + configID
	if !c.gatewayConfigs[key] {
		c.gatewayConfigs[key] = true
		c.creations["gatewayconfig:"+configID]++
	}
	return nil
}

func (c *Client) EnsureGateway(_ context.Context, projectID, region, gatewayID, apiID, configID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("EnsureGateway", gatewayID); err != nil {
		return "", err
	}
	if !c.gatewayConfigs[projectID+"/"+apiID+"/"+configID] {
		return "", fmt.Errorf("api config %s does not exist", configID)
	}
	key := projectID + "/" + gatewayID
	if url, ok := c.gateways[key]; ok {
		return url, nil
	}
	url := fmt.Sprintf("https://%s-8fk3lq.%s.gateway.dev", gatewayID, region)
	c.gateways[key] = url
	c.creations["gateway:"+gatewayID]++
	return url, nil
}

func (c *Client) CreateAPIKey(_ context.Context, projectID, displayName, restrictService string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("CreateAPIKey", displayName); err != nil {
		return "", err
	}
	key := projectID + "/" + displayName
	if k, ok := c.apiKeys[key]; ok {
		return k, nil
	}
	k := fmt.Sprintf("AIzaFake-%s-%d", restrictService, len(c.apiKeys)+1)
	c.apiKeys[key] = k
	c.creations["apikey:"+displayName]++
	return k, nil
}

func (c *Client) EnsureWorkloadIdentityPool(_ context.Context, projectID, poolID, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("EnsureWorkloadIdentityPool", poolID); err != nil {
		return err
	}
	key := projectID + "/" + poolID
	if !c.pools[key] {
		c.pools[key] = true
		c.creations["pool:"+poolID]++
	}
	return nil
}

func (c *Client) EnsureWorkloadIdentityProvider(_ context.Context, projectID, poolID, providerID, issuerURI string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("EnsureWorkloadIdentityProvider", providerID); err != nil {
		return err
	}
	if !c.pools[projectID+"/"+poolID] {
		return fmt.Errorf("pool %s does not exist", poolID)
	}
	if issuerURI == "" {
		return fmt.Errorf("issuer uri is required")
	}
	key := projectID + "/" + poolID + "/" + providerID
	if !c.providers[key] {
		c.providers[key] = true
		c.creations["provider:"+providerID]++
	}
	return nil
}

func (c *Client) DeployFirestoreRules(_ context.Context, projectID, databaseID, rulesFile string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("DeployFirestoreRules", rulesFile); err != nil {
		return "", err
	}
	release := fmt.Sprintf("projects/%s/releases/cloud.firestore/%s", projectID, databaseID)
	c.rulesReleases[release] = rulesFile
	return release, nil
}

func (c *Client) EnsureWebApp(_ context.Context, projectID, displayName string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("EnsureWebApp", displayName); err != nil {
		return "", err
	}
	key := projectID + "/" + displayName
	if appID, ok := c.webApps[key]; ok {
		return appID, nil
	}
	appID := fmt.Sprintf("1:973541%d:web:%x", len(c.webApps), len(displayName))
	c.webApps[key] = appID
	c.creations["webapp:"+displayName]++
	return appID, nil
}

func (c *Client) WebAppConfig(_ context.Context, projectID, appID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("WebAppConfig", appID); err != nil {
		return "", err
	}
	return fmt.Sprintf(`{"projectId":%q,"appId":%q,"authDomain":"%s.firebaseapp.com","apiKey":"AIzaFakeWeb"}`,
		projectID, appID, projectID), nil
}
