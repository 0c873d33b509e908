package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"unnati-cloud-labs/backend/internal/session/domain"
)

// httpTimeout bounds a single provisioning HTTP call. VM boot is the slow
// stage; the orchestrator's provisioning timeout caps the whole operation.
const httpTimeout = 3 * time.Minute

// Client calls the VM provisioning functions over HTTP.
// Endpoints: POST {base}/provision-vm, POST {base}/setup-guacamole,
// POST {base}/teardown-vm.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient returns a provisioning client for the given base URL and API key.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: httpTimeout},
	}
}

type provisionVMRequest struct {
	SessionID string `json:"sessionId"`
	OSType    string `json:"osType"`
}

type provisionVMResponse struct {
	Success    bool   `json:"success"`
	InstanceID string `json:"instanceId"`
	IPAddress  string `json:"ipAddress"`
}

type setupGatewayRequest struct {
	SessionID string `json:"sessionId"`
	VMAddress string `json:"vmAddress"`
}

type setupGatewayResponse struct {
	Success      bool   `json:"success"`
	GuacamoleURL string `json:"guacamoleUrl"`
	Credentials  struct {
		Username string `json:"username"`
		Password string `json:"password"`
	} `json:"credentials"`
}

type teardownRequest struct {
	SessionID string `json:"sessionId"`
}

// Provision boots a VM for the variant, then configures Guacamole against it.
// Either stage's failure is returned as a stage-tagged *Error; a
// gateway-stage Error carries the created VM's address.
func (c *Client) Provision(ctx context.Context, sessionID string, variant domain.OSVariant) (*domain.Endpoint, error) {
	var vmResp provisionVMResponse
	err := c.post(ctx, "/provision-vm", provisionVMRequest{SessionID: sessionID, OSType: string(variant)}, &vmResp)
	if err != nil {
		return nil, &Error{Stage: StageVM, Err: err}
	}
	if !vmResp.Success || vmResp.IPAddress == "" {
		return nil, &Error{Stage: StageVM, Err: fmt.Errorf("provisioner returned no VM address")}
	}
	return c.ConfigureGateway(ctx, sessionID, vmResp.IPAddress)
}

// ConfigureGateway configures the remote-desktop gateway against vmAddr and
// returns the client-reachable endpoint with its default credentials.
func (c *Client) ConfigureGateway(ctx context.Context, sessionID, vmAddr string) (*domain.Endpoint, error) {
	var gwResp setupGatewayResponse
	err := c.post(ctx, "/setup-guacamole", setupGatewayRequest{SessionID: sessionID, VMAddress: vmAddr}, &gwResp)
	if err != nil {
		return nil, &Error{Stage: StageGateway, VMAddr: vmAddr, Err: err}
	}
	if !gwResp.Success || gwResp.GuacamoleURL == "" {
		return nil, &Error{Stage: StageGateway, VMAddr: vmAddr, Err: fmt.Errorf("gateway returned no endpoint URL")}
	}
	return &domain.Endpoint{
		URL:      gwResp.GuacamoleURL,
		Username: gwResp.Credentials.Username,
		Password: gwResp.Credentials.Password,
	}, nil
}

// Teardown releases the session's VM and gateway resources.
func (c *Client) Teardown(ctx context.Context, sessionID string) error {
	return c.post(ctx, "/teardown-vm", teardownRequest{SessionID: sessionID}, nil)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	if c.BaseURL == "" {
		return fmt.Errorf("provision: base URL not configured")
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("provision: %s returned status=%d body=%s", path, resp.StatusCode, string(b))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
