// Package client 外部协作方 HTTP 客户端
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

// RendererClient renders checkout agreement documents.
type RendererClient struct {
	baseURL string
	client  *http.Client
}

func NewRendererClient(baseURL string) *RendererClient {
	return &RendererClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type RenderRequest struct {
	IdempotencyKey string          `json:"idempotencyKey"`
	Template       string          `json:"template"`
	Data           json.RawMessage `json:"data"`
}

// RenderResponse 渲染结果；DocumentID 对同一幂等键保持稳定
type RenderResponse struct {
	DocumentID  string `json:"documentId"`
	DocumentURL string `json:"documentUrl"`
}

// RenderAgreement 渲染借用协议。服务端以幂等键去重，
// 重复请求同一逻辑文档返回相同 DocumentID。
func (c *RendererClient) RenderAgreement(ctx context.Context, idempotencyKey string, data json.RawMessage) (*RenderResponse, error) {
	req := &RenderRequest{
		IdempotencyKey: idempotencyKey,
		Template:       "device-checkout-agreement",
		Data:           data,
	}

	respBody, err := c.post(ctx, "/v1/render", req)
	if err != nil {
		return nil, err
	}

	var resp RenderResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.DocumentID == "" {
		return nil, fmt.Errorf("renderer returned empty document id")
	}
	return &resp, nil
}

func (c *RendererClient) post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	tracing.InjectHTTP(ctx, req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status code: %d", resp.StatusCode)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return respBody, nil
}
