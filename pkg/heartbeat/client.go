package heartbeat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/onecompany/gpt/internal/gpterrors"
	"github.com/onecompany/gpt/pkg/identity"
	"github.com/onecompany/gpt/pkg/registry"
)

// Client is what the heartbeat loop needs from the registry. The caller
// identity is implicit: every request is signed with the boot session's
// key, and the registry resolves the principal from that signature.
type Client interface {
	Heartbeat(ctx context.Context) (registry.HeartbeatCommand, error)
	Unregister(ctx context.Context) error
}

// HTTPClient is the production Client, talking to a pkg/registry Server
// over HTTP with every node-facing request signed by session.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	session    *identity.Session
}

// NewHTTPClient builds a client against the registry's base URL,
// authenticating as session's principal.
func NewHTTPClient(baseURL string, attemptTimeout time.Duration, session *identity.Session) *HTTPClient {
	return &HTTPClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: attemptTimeout},
		session:    session,
	}
}

// doSigned marshals payload (nil for an empty body), signs the request
// with the session key, classifies the response status, and decodes the
// body into out when non-nil.
func (c *HTTPClient) doSigned(ctx context.Context, method, path string, payload, out any) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return gpterrors.Wrap("heartbeat", gpterrors.CategoryConfiguration, "encode_request", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return gpterrors.Wrap("heartbeat", gpterrors.CategoryTransport, "build_request", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	registry.SignRequest(req, c.session.Principal, c.session.Sign, body, time.Now())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return gpterrors.Retryable(gpterrors.Wrap("heartbeat", gpterrors.CategoryTransport, "send_request", err))
	}
	defer resp.Body.Close()

	if err := policyErrorFor(resp.StatusCode); err != nil {
		return err
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return gpterrors.Wrap("heartbeat", gpterrors.CategoryTransport, "decode_response", err)
		}
	}
	return nil
}

func (c *HTTPClient) Heartbeat(ctx context.Context) (registry.HeartbeatCommand, error) {
	var payload struct {
		Command string `json:"command"`
	}
	if err := c.doSigned(ctx, http.MethodPost, "/v1/nodes/heartbeat", nil, &payload); err != nil {
		return registry.CommandContinue, err
	}
	return registry.ParseHeartbeatCommand(payload.Command)
}

// Register submits one node's attestation evidence for verification.
// Called once at boot, before the heartbeat loop starts. The registry
// binds the registration to whatever principal signed this request, so
// the report's report_data must have been built with the same session
// principal.
func (c *HTTPClient) Register(ctx context.Context, nodeID uint64, req registry.RegisterRequest) error {
	payload := struct {
		AttestationReport []byte `json:"attestation_report"`
		ArkDER            []byte `json:"ark_der"`
		AskDER            []byte `json:"ask_der"`
		VekDER            []byte `json:"vek_der"`
		Timestamp         int64  `json:"timestamp_unix_nano"`
		PublicKey         string `json:"public_key"`
	}{
		AttestationReport: req.AttestationReport,
		ArkDER:            req.ArkDER,
		AskDER:            req.AskDER,
		VekDER:            req.VekDER,
		Timestamp:         req.Timestamp.UnixNano(),
		PublicKey:         req.PublicKey,
	}
	return c.doSigned(ctx, http.MethodPost, fmt.Sprintf("/v1/nodes/%d/register", nodeID), payload, nil)
}

func (c *HTTPClient) Unregister(ctx context.Context) error {
	return c.doSigned(ctx, http.MethodPost, "/v1/nodes/unregister", nil, nil)
}

// GetPolicy fetches the registry's active attestation policy, which a
// node consults before running its own verification pipeline so it
// fails locally instead of wasting a round trip on a doomed
// registration. Anonymously readable, so no signature is attached.
func (c *HTTPClient) GetPolicy(ctx context.Context) (registry.AttestationPolicy, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/policy", nil)
	if err != nil {
		return registry.AttestationPolicy{}, gpterrors.Wrap("heartbeat", gpterrors.CategoryTransport, "build_request", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return registry.AttestationPolicy{}, gpterrors.Retryable(gpterrors.Wrap("heartbeat", gpterrors.CategoryTransport, "fetch_policy", err))
	}
	defer resp.Body.Close()
	if err := policyErrorFor(resp.StatusCode); err != nil {
		return registry.AttestationPolicy{}, err
	}
	var policy registry.AttestationPolicy
	if err := json.NewDecoder(resp.Body).Decode(&policy); err != nil {
		return registry.AttestationPolicy{}, gpterrors.Wrap("heartbeat", gpterrors.CategoryTransport, "decode_response", err)
	}
	return policy, nil
}

// GetNodeConfig fetches the node's private configuration (hostname,
// model, and the still-encrypted API key), authed to the principal
// whose signature the registry verified on this request.
func (c *HTTPClient) GetNodeConfig(ctx context.Context) (registry.NodeConfig, error) {
	var cfg registry.NodeConfig
	if err := c.doSigned(ctx, http.MethodGet, "/v1/nodes/config", nil, &cfg); err != nil {
		return registry.NodeConfig{}, err
	}
	return cfg, nil
}

// policyErrorFor classifies a non-2xx registry response: an explicit
// rejection (Unauthorized, Forbidden, NotFound) is terminal, everything
// else is transient and retryable.
func policyErrorFor(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusNotFound:
		return gpterrors.New("heartbeat", gpterrors.CategoryPolicy,
			fmt.Sprintf("registry rejected request: HTTP %d", status))
	default:
		return gpterrors.Retryable(gpterrors.New("heartbeat", gpterrors.CategoryTransport,
			fmt.Sprintf("registry request failed: HTTP %d", status)))
	}
}
