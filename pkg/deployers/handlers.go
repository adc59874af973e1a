package deployers

import (
	"context"
	"fmt"
	"time"

	"github.com/edgelift/edgelift/pkg/batch"
	"github.com/edgelift/edgelift/pkg/engine"
	"github.com/edgelift/edgelift/pkg/telemetry"
)

// requiredServices must be enabled before any resource is created.
var requiredServices = []string{
	"iam.googleapis.com",
	"iamcredentials.googleapis.com",
	"sts.googleapis.com",
	"cloudfunctions.googleapis.com",
	"cloudbuild.googleapis.com",
	"run.googleapis.com",
	"apigateway.googleapis.com",
	"servicemanagement.googleapis.com",
	"servicecontrol.googleapis.com",
	"apikeys.googleapis.com",
	"firestore.googleapis.com",
	"firebase.googleapis.com",
}

// Options configures the pipeline registry.
type Options struct {
	// Logger receives handler logs. Defaults to a stderr logger.
	Logger *telemetry.Logger

	// Metrics records batch task outcomes. Optional.
	Metrics *telemetry.Metrics

	// MaxParallel bounds concurrency inside fan-out steps.
	MaxParallel int
}

type deployer struct {
	client   CloudClient
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	parallel int
}

// NewRegistry builds the production step registry over the given client.
// Insertion order is execution order.
func NewRegistry(client CloudClient, opts Options) (*engine.Registry, error) {
	if client == nil {
		return nil, fmt.Errorf("deployers require a cloud client")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewDefaultLogger()
	}

	d := &deployer{
		client:   client,
		logger:   opts.Logger.WithComponent("deployers"),
		metrics:  opts.Metrics,
		parallel: opts.MaxParallel,
	}

	return engine.NewRegistry(
		engine.StepSpec{
			Name:  "enable-apis",
			Class: engine.ClassNetworkIntensive,
			// Service enablement propagates asynchronously.
			SettleAfter: 10 * time.Second,
			Handler:     engine.HandlerFunc(d.enableAPIs),
		},
		engine.StepSpec{
			Name:  "create-service-accounts",
			Class: engine.ClassCritical,
			// New IAM principals are not immediately visible to policy
			// bindings; granting too early fails with a spurious
			// not-found.
			SettleAfter: 20 * time.Second,
			Handler:     engine.HandlerFunc(d.createServiceAccounts),
		},
		engine.StepSpec{
			Name:    "grant-iam-roles",
			Class:   engine.ClassCritical,
			Handler: engine.HandlerFunc(d.grantIAMRoles),
		},
		engine.StepSpec{
			Name:    "deploy-functions",
			Class:   engine.ClassNetworkIntensive,
			Handler: engine.HandlerFunc(d.deployFunctions),
		},
		engine.StepSpec{
			Name:    "create-api-gateway",
			Class:   engine.ClassNetworkIntensive,
			Handler: engine.HandlerFunc(d.createAPIGateway),
		},
		engine.StepSpec{
			Name:    "configure-federation",
			Class:   engine.ClassCritical,
			Handler: engine.HandlerFunc(d.configureFederation),
		},
		engine.StepSpec{
			Name:    "deploy-firestore-rules",
			Handler: engine.HandlerFunc(d.deployFirestoreRules),
		},
		engine.StepSpec{
			Name:    "register-web-app",
			Handler: engine.HandlerFunc(d.registerWebApp),
		},
	)
}

// runBatch executes a fan-out inside one step and folds the results: task
// outcomes are counted, any failure fails the owning step, and the merged
// outputs of successful tasks are returned.
func (d *deployer) runBatch(ctx context.Context, step string, tasks []batch.Task, stopOnError bool) (map[string]string, error) {
	results := batch.Run(ctx, tasks, batch.Options{
		MaxConcurrency: d.parallel,
		StopOnError:    stopOnError,
	})

	for _, r := range results {
		outcome := "success"
		switch {
		case r.Skipped:
			outcome = "skipped"
		case r.Err != nil:
			outcome = "failed"
			d.logger.WithStep(step).WithError(r.Err).Warnf("task %s failed", r.Name)
		}
		d.metrics.RecordBatchTask(step, outcome)
	}

	if err := batch.CriticalFailedErr(results); err != nil {
		return nil, err
	}
	return batch.MergedValues(results), nil
}

func (d *deployer) enableAPIs(ctx context.Context, req engine.Request) (map[string]string, error) {
	tasks := make([]batch.Task, 0, len(requiredServices))
	for _, service := range requiredServices {
		tasks = append(tasks, batch.Task{
			Name: service,
			Run: func(ctx context.Context) (map[string]string, error) {
				return nil, d.client.EnsureAPIEnabled(ctx, req.ProjectID, service)
			},
		})
	}

	outputs, err := d.runBatch(ctx, "enable-apis", tasks, false)
	if err != nil {
		return nil, err
	}
	outputs["servicesEnabled"] = "true"
	return outputs, nil
}

func (d *deployer) createServiceAccounts(ctx context.Context, req engine.Request) (map[string]string, error) {
	prefix := req.Config.NamePrefix
	accounts := []struct {
		id, display, outputKey string
	}{
		{prefix + "-device-auth", "Device authentication", "deviceAuthSA"},
		{prefix + "-token-vendor", "Token vending", "tokenVendorSA"},
		{prefix + "-gw-invoker", "Gateway function invoker", "gatewayInvokerSA"},
	}

	tasks := make([]batch.Task, 0, len(accounts))
	for _, a := range accounts {
		tasks = append(tasks, batch.Task{
			Name:     a.id,
			Critical: true,
			Run: func(ctx context.Context) (map[string]string, error) {
				email, err := d.client.EnsureServiceAccount(ctx, req.ProjectID, a.id, a.display)
				if err != nil {
					return nil, err
				}
				return map[string]string{a.outputKey: email}, nil
			},
		})
	}

	return d.runBatch(ctx, "create-service-accounts", tasks, true)
}

func (d *deployer) grantIAMRoles(ctx context.Context, req engine.Request) (map[string]string, error) {
	deviceAuthSA, err := req.RequireOutput("deviceAuthSA")
	if err != nil {
		return nil, err
	}
	tokenVendorSA, err := req.RequireOutput("tokenVendorSA")
	if err != nil {
		return nil, err
	}
	invokerSA, err := req.RequireOutput("gatewayInvokerSA")
	if err != nil {
		return nil, err
	}

	grants := []struct {
		name string
		run  func(ctx context.Context) error
	}{
		// The token vendor mints short-lived tokens as itself.
		{"token-vendor-self-signer", func(ctx context.Context) error {
			return d.client.GrantServiceAccountRole(ctx, req.ProjectID, tokenVendorSA,
				"serviceAccount:"+tokenVendorSA, "roles/iam.serviceAccountTokenCreator")
		}},
		{"device-auth-datastore", func(ctx context.Context) error {
			return d.client.GrantProjectRole(ctx, req.ProjectID,
				"serviceAccount:"+deviceAuthSA, "roles/datastore.user")
		}},
		{"token-vendor-datastore", func(ctx context.Context) error {
			return d.client.GrantProjectRole(ctx, req.ProjectID,
				"serviceAccount:"+tokenVendorSA, "roles/datastore.user")
		}},
		{"gateway-function-invoker", func(ctx context.Context) error {
			return d.client.GrantProjectRole(ctx, req.ProjectID,
				"serviceAccount:"+invokerSA, "roles/cloudfunctions.invoker")
		}},
		{"admin-ownership", func(ctx context.Context) error {
			return d.client.GrantProjectRole(ctx, req.ProjectID,
				"user:"+req.Config.AdminEmail, "roles/firebase.admin")
		}},
	}

	tasks := make([]batch.Task, 0, len(grants))
	for _, g := range grants {
		tasks = append(tasks, batch.Task{
			Name:     g.name,
			Critical: true,
			Run: func(ctx context.Context) (map[string]string, error) {
				return nil, g.run(ctx)
			},
		})
	}

	outputs, err := d.runBatch(ctx, "grant-iam-roles", tasks, true)
	if err != nil {
		return nil, err
	}
	outputs["rolesGranted"] = "true"
	return outputs, nil
}

func (d *deployer) deployFunctions(ctx context.Context, req engine.Request) (map[string]string, error) {
	deviceAuthSA, err := req.RequireOutput("deviceAuthSA")
	if err != nil {
		return nil, err
	}
	tokenVendorSA, err := req.RequireOutput("tokenVendorSA")
	if err != nil {
		return nil, err
	}

	fns := req.Config.Functions
	specs := []struct {
		spec      FunctionSpec
		outputKey string
	}{
		{FunctionSpec{
			Name:           fns.DeviceAuthName,
			EntryPoint:     "device_auth",
			Runtime:        "python311",
			SourceBucket:   fns.SourceBucket,
			SourceObject:   fns.DeviceAuthName + ".zip",
			ServiceAccount: deviceAuthSA,
		}, "deviceAuthUrl"},
		{FunctionSpec{
			Name:           fns.TokenVendorName,
			EntryPoint:     "vend_token",
			Runtime:        "python311",
			SourceBucket:   fns.SourceBucket,
			SourceObject:   fns.TokenVendorName + ".zip",
			ServiceAccount: tokenVendorSA,
			EnvVars: map[string]string{
				"TOKEN_TTL_SECONDS": "3600",
			},
		}, "tokenVendorUrl"},
	}

	tasks := make([]batch.Task, 0, len(specs))
	for _, s := range specs {
		tasks = append(tasks, batch.Task{
			Name: s.spec.Name,
			Run: func(ctx context.Context) (map[string]string, error) {
				url, err := d.client.DeployFunction(ctx, req.ProjectID, req.Region, s.spec)
				if err != nil {
					return nil, err
				}
				return map[string]string{s.outputKey: url}, nil
			},
		})
	}

	return d.runBatch(ctx, "deploy-functions", tasks, false)
}

func (d *deployer) createAPIGateway(ctx context.Context, req engine.Request) (map[string]string, error) {
	deviceAuthURL, err := req.RequireOutput("deviceAuthUrl")
	if err != nil {
		return nil, err
	}
	tokenVendorURL, err := req.RequireOutput("tokenVendorUrl")
	if err != nil {
		return nil, err
	}

	gw := req.Config.Gateway
	apiID := gw.Name + "-api"

	if err := d.client.EnsureGatewayAPI(ctx, req.ProjectID, apiID, gw.APIDisplayName); err != nil {
		return nil, err
	}

	spec := renderOpenAPISpec(gw.APIDisplayName, deviceAuthURL, tokenVendorURL)
	if err := d.client.CreateGatewayConfig(ctx, req.ProjectID, apiID, apiID+"-v1", spec); err != nil {
		return nil, err
	}

	gatewayURL, err := d.client.EnsureGateway(ctx, req.ProjectID, req.Region, gw.Name, apiID, apiID+"-v1")
	if err != nil {
		return nil, err
	}

	managedService := fmt.Sprintf("%s.apigateway.%s.cloud.goog", apiID, req.ProjectID)
	apiKey, err := d.client.CreateAPIKey(ctx, req.ProjectID, gw.Name+" device key", managedService)
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"gatewayUrl": gatewayURL,
		"apiKey":     apiKey,
	}, nil
}

func (d *deployer) configureFederation(ctx context.Context, req engine.Request) (map[string]string, error) {
	fed := req.Config.Federation

	if err := d.client.EnsureWorkloadIdentityPool(ctx, req.ProjectID, fed.PoolID, "Edge device pool"); err != nil {
		return nil, err
	}

	issuer := "https://securetoken.google.com/" + req.ProjectID
	if err := d.client.EnsureWorkloadIdentityProvider(ctx, req.ProjectID, fed.PoolID, fed.ProviderID, issuer); err != nil {
		return nil, err
	}

	return map[string]string{
		"federationPool":     fed.PoolID,
		"federationProvider": fed.ProviderID,
	}, nil
}

func (d *deployer) deployFirestoreRules(ctx context.Context, req engine.Request) (map[string]string, error) {
	fs := req.Config.Firestore
	release, err := d.client.DeployFirestoreRules(ctx, req.ProjectID, fs.DatabaseID, fs.RulesFile)
	if err != nil {
		return nil, err
	}
	return map[string]string{"rulesRelease": release}, nil
}

func (d *deployer) registerWebApp(ctx context.Context, req engine.Request) (map[string]string, error) {
	appID, err := d.client.EnsureWebApp(ctx, req.ProjectID, req.Config.WebApp.DisplayName)
	if err != nil {
		return nil, err
	}

	appConfig, err := d.client.WebAppConfig(ctx, req.ProjectID, appID)
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"webAppId":     appID,
		"webAppConfig": appConfig,
	}, nil
}

// renderOpenAPISpec produces the gateway's API config: both functions exposed
// behind API key auth, requests proxied to the function URLs.
func renderOpenAPISpec(title, deviceAuthURL, tokenVendorURL string) []byte {
	spec := fmt.Sprintf(`swagger: "2.0"
info:
  title: %s
  version: "1.0"
schemes:
  - https
produces:
  - application/json
securityDefinitions:
  api_key:
    type: apiKey
    name: x-api-key
    in: header
paths:
  /device-auth:
    post:
      operationId: deviceAuth
      security:
        - api_key: []
      x-google-backend:
        address: %s
      responses:
        "200":
          description: Firebase custom token
  /token:
    post:
      operationId: vendToken
      security:
        - api_key: []
      x-google-backend:
        address: %s
      responses:
        "200":
          description: Short-lived access token
`, title, deviceAuthURL, tokenVendorURL)
	return []byte(spec)
}
