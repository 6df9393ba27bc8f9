package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/athena/checkout/pkg/tracing"
)

// DirectoryClient updates device annotations in the external directory.
// Best effort: callers must not fail the checkout on errors from here.
type DirectoryClient struct {
	baseURL string
	client  *http.Client
}

func NewDirectoryClient(baseURL string) *DirectoryClient {
	return &DirectoryClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

type AnnotateRequest struct {
	AssetTag      string `json:"assetTag"`
	SerialNumber  string `json:"serialNumber,omitempty"`
	AnnotatedUser string `json:"annotatedUser"`
	Location      string `json:"location,omitempty"`
	Notes         string `json:"notes,omitempty"`
}

type AnnotateResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// AnnotateDevice 更新目录中设备的借用人标注
func (c *DirectoryClient) AnnotateDevice(ctx context.Context, req *AnnotateRequest) error {
	jsonBody, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/devices/annotate", bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	tracing.InjectHTTP(ctx, httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status code: %d", resp.StatusCode)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var out AnnotateResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !out.Success {
		return fmt.Errorf("directory rejected annotation: %s", out.Message)
	}
	return nil
}
