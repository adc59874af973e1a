// Package deployers wires the fixed provisioning pipeline: it supplies the
// step handlers and the production registry over a CloudClient port. Handlers
// hold no state of their own; everything they create is reported back as step
// outputs and persisted by the engine.
package deployers

import "context"

// FunctionSpec describes one serverless function deployment.
type FunctionSpec struct {
	Name           string
	EntryPoint     string
	Runtime        string
	SourceBucket   string
	SourceObject   string
	ServiceAccount string
	EnvVars        map[string]string
}

// CloudClient is the port to the external cloud control plane. Every method
// is an "ensure" operation: invoked again after a partial prior failure it
// must detect the already-existing resource and return its identity instead
// of erroring or duplicating. The pipeline's crash-recovery contract rests on
// this.
//
// Implementations classify their failures with engine.DeployError; an
// unclassified error is treated as transient and retried.
type CloudClient interface {
	// EnsureAPIEnabled enables a service API on the project.
	EnsureAPIEnabled(ctx context.Context, projectID, service string) error

	// EnsureServiceAccount creates a service account and returns its email.
	EnsureServiceAccount(ctx context.Context, projectID, accountID, displayName string) (string, error)

	// GrantProjectRole binds a role to a member at project scope.
	GrantProjectRole(ctx context.Context, projectID, member, role string) error

	// GrantServiceAccountRole binds a role to a member on a service account.
	GrantServiceAccountRole(ctx context.Context, projectID, serviceAccount, member, role string) error

	// DeployFunction deploys one function and returns its invocation URL.
	DeployFunction(ctx context.Context, projectID, region string, spec FunctionSpec) (string, error)

	// EnsureGatewayAPI creates the managed API resource.
	EnsureGatewayAPI(ctx context.Context, projectID, apiID, displayName string) error

	// CreateGatewayConfig uploads an API config revision under the API.
	CreateGatewayConfig(ctx context.Context, projectID, apiID, configID string, openAPISpec []byte) error

	// EnsureGateway creates the gateway serving a config and returns its URL.
	EnsureGateway(ctx context.Context, projectID, region, gatewayID, apiID, configID string) (string, error)

	// CreateAPIKey mints an API key restricted to the gateway's managed
	// service and returns the key string.
	CreateAPIKey(ctx context.Context, projectID, displayName, restrictService string) (string, error)

	// EnsureWorkloadIdentityPool creates the device trust pool.
	EnsureWorkloadIdentityPool(ctx context.Context, projectID, poolID, displayName string) error

	// EnsureWorkloadIdentityProvider attaches an OIDC provider to the pool.
	EnsureWorkloadIdentityProvider(ctx context.Context, projectID, poolID, providerID, issuerURI string) error

	// DeployFirestoreRules creates and releases a ruleset from the given
	// rules source file, returning the release name.
	DeployFirestoreRules(ctx context.Context, projectID, databaseID, rulesFile string) (string, error)

	// EnsureWebApp registers the web application and returns its app ID.
	EnsureWebApp(ctx context.Context, projectID, displayName string) (string, error)

	// WebAppConfig returns the client SDK configuration JSON for the app.
	WebAppConfig(ctx context.Context, projectID, appID string) (string, error)
}
