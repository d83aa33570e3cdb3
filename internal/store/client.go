package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"emporia-collector/internal/emporia"
	"go.uber.org/zap"
)

// millisLayout is the millisecond-precision UTC format the store expects
// for instants and search boundaries
const millisLayout = "2006-01-02T15:04:05.000Z"

// RequestError is a non-success response from the local store
type RequestError struct {
	StatusCode int
	Body       string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("store returned status %d: %s", e.StatusCode, e.Body)
}

// Record is a stored usage record as returned by search. Only the
// identifier is needed for reconciliation.
type Record struct {
	ID int64 `json:"id"`
}

// Client is a REST client for the local usage store
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a store client for the given base URL
func NewClient(baseURL string, logger *zap.Logger) *Client {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

type insertPayload struct {
	Instant    string  `json:"instant"`
	Scale      string  `json:"scale"`
	DeviceID   int64   `json:"device_id"`
	ChannelNum string  `json:"channel_num"`
	Name       string  `json:"name"`
	Usage      float64 `json:"usage"`
	Unit       string  `json:"unit"`
	Percentage float64 `json:"percentage"`
}

type searchPayload struct {
	StartDate string `json:"start_date"`
}

// Insert stores a single usage record
func (c *Client) Insert(ctx context.Context, record emporia.UsageRecord) error {
	payload := insertPayload{
		Instant:    record.Instant.UTC().Format(millisLayout),
		Scale:      record.Scale,
		DeviceID:   record.DeviceGid,
		ChannelNum: record.ChannelNum,
		Name:       record.Name,
		Usage:      record.Usage,
		Unit:       record.Unit,
		Percentage: record.Percentage,
	}

	resp, err := c.post(ctx, c.baseURL, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return readRequestError(resp)
	}
	return nil
}

// Search returns the stored records whose instant falls on or after start
func (c *Client) Search(ctx context.Context, start time.Time) ([]Record, error) {
	payload := searchPayload{StartDate: start.UTC().Format(millisLayout)}

	resp, err := c.post(ctx, c.baseURL+"search", payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return nil, readRequestError(resp)
	}

	var records []Record
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}
	return records, nil
}

// Delete removes a single stored record by identifier
func (c *Client) Delete(ctx context.Context, id int64) error {
	url := c.baseURL + strconv.FormatInt(id, 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build delete request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("delete request failed: %w", err)
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return readRequestError(resp)
	}
	return nil
}

func (c *Client) post(ctx context.Context, url string, payload interface{}) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func isSuccess(status int) bool {
	return status == http.StatusOK || status == http.StatusCreated
}

func readRequestError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return &RequestError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
