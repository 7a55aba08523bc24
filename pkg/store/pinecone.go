package store

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/xhad/ragpipe/internal/models"
	"github.com/xhad/ragpipe/pkg/logger"
)

const (
	DefaultControllerURL = "https://api.pinecone.io"
	pineconeAPIVersion   = "2024-07"
)

type PineconeConfig struct {
	APIKey        string
	ControllerURL string
	Namespace     string
	Timeout       time.Duration
	// PollInterval and ReadyTimeout bound the wait for a new index.
	PollInterval time.Duration
	ReadyTimeout time.Duration
}

// APIError is a non-2xx response from Pinecone.
type APIError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("pinecone %s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

type pineconeIndex struct {
	Name      string `json:"name"`
	Dimension int    `json:"dimension"`
	Metric    string `json:"metric"`
	Host      string `json:"host"`
	Status    struct {
		Ready bool   `json:"ready"`
		State string `json:"state"`
	} `json:"status"`
}

type pineconeIndexList struct {
	Indexes []pineconeIndex `json:"indexes"`
}

type serverlessSpec struct {
	Cloud  string `json:"cloud"`
	Region string `json:"region"`
}

type createIndexRequest struct {
	Name      string `json:"name"`
	Dimension int    `json:"dimension"`
	Metric    string `json:"metric"`
	Spec      struct {
		Serverless serverlessSpec `json:"serverless"`
	} `json:"spec"`
}

type pineconeVector struct {
	ID       string         `json:"id"`
	Values   []float32      `json:"values"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type upsertRequest struct {
	Vectors   []pineconeVector `json:"vectors"`
	Namespace string           `json:"namespace,omitempty"`
}

type upsertResponse struct {
	UpsertedCount int `json:"upsertedCount"`
}

type queryRequest struct {
	Vector          []float32 `json:"vector"`
	TopK            int       `json:"topK"`
	IncludeMetadata bool      `json:"includeMetadata"`
	IncludeValues   bool      `json:"includeValues"`
	Namespace       string    `json:"namespace,omitempty"`
}

type queryResponse struct {
	Matches []struct {
		ID       string         `json:"id"`
		Score    float64        `json:"score"`
		Metadata map[string]any `json:"metadata"`
	} `json:"matches"`
}

// Pinecone talks to the Pinecone REST API: the control plane for index
// management and the index host for vectors.
type Pinecone struct {
	config PineconeConfig
	client *resty.Client
	host   string
}

func NewPinecone(config PineconeConfig) (*Pinecone, error) {
	if config.APIKey == "" {
		return nil, errors.New("pinecone: api key is required")
	}
	if config.ControllerURL == "" {
		config.ControllerURL = DefaultControllerURL
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 2 * time.Second
	}
	if config.ReadyTimeout <= 0 {
		config.ReadyTimeout = 2 * time.Minute
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(config.ControllerURL, "/")).
		SetTimeout(config.Timeout).
		SetHeader("Api-Key", config.APIKey).
		SetHeader("X-Pinecone-API-Version", pineconeAPIVersion).
		SetHeader("Accept", "application/json")

	return &Pinecone{config: config, client: client}, nil
}

func (p *Pinecone) Name() string {
	return "pinecone"
}

// EnsureIndex reuses an index with the same name or creates a serverless one
// and waits until it is ready.
func (p *Pinecone) EnsureIndex(ctx context.Context, spec IndexSpec) (models.IndexHandle, error) {
	var list pineconeIndexList
	resp, err := p.client.R().SetContext(ctx).SetResult(&list).Get("/indexes")
	if err := checkResponse(resp, err); err != nil {
		return models.IndexHandle{}, fmt.Errorf("failed to list indexes: %w", err)
	}

	var (
		index   *pineconeIndex
		created bool
	)
	for i := range list.Indexes {
		if list.Indexes[i].Name == spec.Name {
			index = &list.Indexes[i]
			break
		}
	}

	if index == nil {
		req := createIndexRequest{Name: spec.Name, Dimension: spec.Dimension, Metric: string(spec.Metric)}
		req.Spec.Serverless = serverlessSpec{Cloud: spec.Cloud, Region: spec.Region}

		var model pineconeIndex
		resp, err := p.client.R().SetContext(ctx).SetBody(req).SetResult(&model).Post("/indexes")
		switch {
		case err == nil && resp.StatusCode() == http.StatusConflict:
			// created concurrently by someone else
			if model, err = p.describe(ctx, spec.Name); err != nil {
				return models.IndexHandle{}, err
			}
		default:
			if err := checkResponse(resp, err); err != nil {
				return models.IndexHandle{}, fmt.Errorf("failed to create index: %w", err)
			}
			created = true
		}
		index = &model
	}

	if index.Dimension != 0 && index.Dimension != spec.Dimension {
		return models.IndexHandle{}, fmt.Errorf("index %s has dimension %d, expected %d", spec.Name, index.Dimension, spec.Dimension)
	}

	ready, err := p.waitReady(ctx, *index)
	if err != nil {
		return models.IndexHandle{}, err
	}
	p.host = hostURL(ready.Host)

	return models.IndexHandle{
		Name:      ready.Name,
		Host:      p.host,
		Dimension: spec.Dimension,
		Metric:    string(spec.Metric),
		Created:   created,
	}, nil
}

func (p *Pinecone) describe(ctx context.Context, name string) (pineconeIndex, error) {
	var model pineconeIndex
	resp, err := p.client.R().
		SetContext(ctx).
		SetPathParam("name", name).
		SetResult(&model).
		Get("/indexes/{name}")
	if err := checkResponse(resp, err); err != nil {
		return pineconeIndex{}, fmt.Errorf("failed to describe index: %w", err)
	}
	return model, nil
}

func (p *Pinecone) waitReady(ctx context.Context, index pineconeIndex) (pineconeIndex, error) {
	if index.Status.Ready && index.Host != "" {
		return index, nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.ReadyTimeout)
	defer cancel()

	log := logger.FromContext(ctx)
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		log.Debug("Waiting for index", "name", index.Name, "state", index.Status.State)
		select {
		case <-ctx.Done():
			return pineconeIndex{}, fmt.Errorf("index %s not ready: %w", index.Name, ctx.Err())
		case <-ticker.C:
		}

		var err error
		if index, err = p.describe(ctx, index.Name); err != nil {
			return pineconeIndex{}, err
		}
		if index.Status.Ready && index.Host != "" {
			return index, nil
		}
	}
}

func (p *Pinecone) Upsert(ctx context.Context, records []Record) error {
	if p.host == "" {
		return ErrIndexNotReady
	}
	if len(records) == 0 {
		return nil
	}

	req := upsertRequest{
		Vectors:   make([]pineconeVector, len(records)),
		Namespace: p.config.Namespace,
	}
	for i, r := range records {
		meta := pineconeMetadata(r.Metadata)
		meta[MetaText] = r.Content
		req.Vectors[i] = pineconeVector{ID: r.ID, Values: r.Values, Metadata: meta}
	}

	var out upsertResponse
	resp, err := p.client.R().SetContext(ctx).SetBody(req).SetResult(&out).Post(p.host + "/vectors/upsert")
	if err := checkResponse(resp, err); err != nil {
		return fmt.Errorf("failed to upsert vectors: %w", err)
	}
	if out.UpsertedCount != len(records) {
		logger.FromContext(ctx).Warn("Partial upsert", "sent", len(records), "upserted", out.UpsertedCount)
	}
	return nil
}

func (p *Pinecone) Query(ctx context.Context, vector []float32, k int) ([]Match, error) {
	if p.host == "" {
		return nil, ErrIndexNotReady
	}

	req := queryRequest{
		Vector:          vector,
		TopK:            k,
		IncludeMetadata: true,
		Namespace:       p.config.Namespace,
	}

	var out queryResponse
	resp, err := p.client.R().SetContext(ctx).SetBody(req).SetResult(&out).Post(p.host + "/query")
	if err := checkResponse(resp, err); err != nil {
		return nil, fmt.Errorf("failed to query index: %w", err)
	}

	matches := make([]Match, 0, len(out.Matches))
	for _, m := range out.Matches {
		match := Match{ID: m.ID, Score: m.Score, Metadata: m.Metadata}
		if text, ok := m.Metadata[MetaText].(string); ok {
			match.Content = text
		}
		matches = append(matches, match)
	}
	return matches, nil
}

func (p *Pinecone) Close() {}

func checkResponse(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if resp.IsError() {
		return &APIError{
			Method:     resp.Request.Method,
			URL:        resp.Request.URL,
			StatusCode: resp.StatusCode(),
			Body:       strings.TrimSpace(resp.String()),
		}
	}
	return nil
}

// hostURL adds https:// to bare hosts returned by the control plane.
func hostURL(host string) string {
	host = strings.TrimRight(host, "/")
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		return host
	}
	return "https://" + host
}

// pineconeMetadata keeps values Pinecone accepts: strings, numbers, booleans
// and lists of strings. Anything else is stored as its string form.
func pineconeMetadata(meta map[string]any) map[string]any {
	out := make(map[string]any, len(meta)+1)
	for k, v := range meta {
		switch val := v.(type) {
		case nil:
		case string, bool, int, int32, int64, float32, float64, []string:
			out[k] = val
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}
