package podmanager

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// PodInfo is what the cloud provider reports about a pod.
type PodInfo struct {
	ID          string
	Status      string
	CostPerHour float64
}

// PodCreateRequest describes a pod to create.
type PodCreateRequest struct {
	Name  string
	Image string
	Env   map[string]string
}

// PodAPI abstracts the cloud pod provider.
type PodAPI interface {
	GetPod(id string) (*PodInfo, error)
	StartPod(id string) error
	StopPod(id string) error
	CreatePod(req *PodCreateRequest) (string, error)
}

// RESTClient talks to a RunPod-style REST API.
type RESTClient struct {
	base   string
	apiKey string
	client *http.Client
}

// NewRESTClient creates a client for the provider's REST API.
func NewRESTClient(base, apiKey string) *RESTClient {
	return &RESTClient{
		base:   strings.TrimSuffix(base, "/"),
		apiKey: apiKey,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *RESTClient) do(method, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

type podResponse struct {
	ID            string  `json:"id"`
	DesiredStatus string  `json:"desiredStatus"`
	CostPerHr     float64 `json:"costPerHr"`
}

func (c *RESTClient) GetPod(id string) (*PodInfo, error) {
	var resp podResponse
	if err := c.do(http.MethodGet, "/pods/"+id, nil, &resp); err != nil {
		return nil, err
	}
	return &PodInfo{ID: resp.ID, Status: resp.DesiredStatus, CostPerHour: resp.CostPerHr}, nil
}

func (c *RESTClient) StartPod(id string) error {
	return c.do(http.MethodPost, "/pods/"+id+"/start", nil, nil)
}

func (c *RESTClient) StopPod(id string) error {
	return c.do(http.MethodPost, "/pods/"+id+"/stop", nil, nil)
}

func (c *RESTClient) CreatePod(req *PodCreateRequest) (string, error) {
	env := make([]map[string]string, 0, len(req.Env))
	for k, v := range req.Env {
		env = append(env, map[string]string{"key": k, "value": v})
	}

	payload := map[string]any{
		"name":      req.Name,
		"imageName": req.Image,
		"env":       env,
	}

	var resp podResponse
	if err := c.do(http.MethodPost, "/pods", payload, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("create pod: provider returned no id")
	}
	return resp.ID, nil
}
