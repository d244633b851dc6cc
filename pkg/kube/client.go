package kube

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/bootstrappo/bootstrappo/pkg/engine"
	"github.com/bootstrappo/bootstrappo/pkg/telemetry"
)

// ClientConfig configures the cluster API client.
type ClientConfig struct {
	// BaseURL is the cluster API base URL.
	BaseURL string

	// TokenFile is the bearer token file. Empty disables authentication,
	// which only works against local proxies.
	TokenFile string

	// CAFile is the cluster CA bundle. Empty uses the system pool.
	CAFile string

	// Timeout bounds a single request. Zero means 10s.
	Timeout time.Duration

	// Probes maps capability names to the workload whose readiness stands
	// for the capability being present.
	Probes map[string]engine.GateSpec

	// Logger receives request diagnostics. Nil means a no-op logger.
	Logger *telemetry.Logger
}

// APIClient reads capability and workload state from the cluster API. It is
// the detector's primary source: readings are conclusive only when the API
// answered with a decodable object or a clean not-found.
type APIClient struct {
	baseURL string
	token   string
	http    *http.Client
	probes  map[string]engine.GateSpec
	log     *telemetry.Logger
}

// NewAPIClient creates a cluster API client.
func NewAPIClient(cfg ClientConfig) (*APIClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("cluster api base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.NopLogger()
	}

	transport := &http.Transport{}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca bundle %s contains no certificates", cfg.CAFile)
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pool}
	}

	token := ""
	if cfg.TokenFile != "" {
		data, err := os.ReadFile(cfg.TokenFile)
		if err != nil {
			return nil, fmt.Errorf("read token: %w", err)
		}
		token = strings.TrimSpace(string(data))
	}

	return &APIClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   token,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		probes: cfg.Probes,
		log:    cfg.Logger.NewComponentLogger("kube-api"),
	}, nil
}

// ReadCapability implements engine.APIReader. Capabilities without a
// registered probe are inconclusive; the subprocess verifier decides.
func (c *APIClient) ReadCapability(ctx context.Context, name string) (engine.Reading, error) {
	probe, ok := c.probes[name]
	if !ok {
		return engine.Reading{
			Conclusive: false,
			Detail:     fmt.Sprintf("no api probe registered for capability %s", name),
		}, nil
	}
	return c.ReadWorkload(ctx, probe)
}

// ReadWorkload implements engine.APIReader.
func (c *APIClient) ReadWorkload(ctx context.Context, gate engine.GateSpec) (engine.Reading, error) {
	path, err := workloadPath(gate)
	if err != nil {
		return engine.Reading{}, err
	}

	status, body, err := c.get(ctx, path)
	if err != nil {
		return engine.Reading{}, err
	}

	switch {
	case status == http.StatusOK:
		ready, err := workloadReady(gate.Kind, body)
		if err != nil {
			return engine.Reading{}, err
		}
		return engine.Reading{
			Available:  ready,
			Conclusive: true,
			Detail:     fmt.Sprintf("%s ready=%t", gate.Key(), ready),
		}, nil

	case status == http.StatusNotFound:
		// A clean not-found is a conclusive answer: the workload is absent.
		return engine.Reading{
			Available:  false,
			Conclusive: true,
			Detail:     fmt.Sprintf("%s not found", gate.Key()),
		}, nil

	default:
		// Auth failures and server errors are not answers.
		c.log.WithField("gate", gate.Key()).
			Warnf("api read inconclusive: status %d", status)
		return engine.Reading{
			Conclusive: false,
			Detail:     fmt.Sprintf("api returned status %d for %s", status, gate.Key()),
		}, nil
	}
}

// HealthCheck probes the API server readiness endpoint.
func (c *APIClient) HealthCheck(ctx context.Context) error {
	status, body, err := c.get(ctx, "/readyz")
	if err != nil {
		return fmt.Errorf("api health check: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("api not ready: status %d: %s", status, strings.TrimSpace(string(body)))
	}
	return nil
}

// get performs one authenticated GET and returns status and body.
func (c *APIClient) get(ctx context.Context, path string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}
