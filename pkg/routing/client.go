package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/onecompany/gpt/internal/gpterrors"
	"github.com/onecompany/gpt/pkg/registry"
)

// IndexClient fetches the anonymous, public-facing view of a node from
// the registry service, used to resolve a node_id discovered from a
// systemd unit into the hostname the proxy routes on.
type IndexClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewIndexClient builds a client against the registry's base URL.
func NewIndexClient(baseURL string) *IndexClient {
	return &IndexClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// GetProvisioningInfo fetches the public provisioning view for nodeID.
func (c *IndexClient) GetProvisioningInfo(ctx context.Context, nodeID uint64) (*registry.ProvisioningInfo, error) {
	url := fmt.Sprintf("%s/v1/nodes/%d/provisioning", c.baseURL, nodeID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, gpterrors.Wrap("routing", gpterrors.CategoryTransport, "build_provisioning_request", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, gpterrors.Retryable(gpterrors.Wrap("routing", gpterrors.CategoryTransport, "fetch_provisioning_info", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := gpterrors.New("routing", gpterrors.CategoryTransport,
			fmt.Sprintf("provisioning lookup for node %d: HTTP %d", nodeID, resp.StatusCode))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, gpterrors.Retryable(err)
		}
		return nil, err
	}

	var info registry.ProvisioningInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, gpterrors.Wrap("routing", gpterrors.CategoryTransport, "decode_provisioning_info", err)
	}
	return &info, nil
}
