// Package search mirrors the audit trail into Elasticsearch for analytics
// over actors, client addresses and event kinds.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/spec-kit/as-dispatch/internal/config"
)

// ElasticClient writes audit documents into one index.
type ElasticClient struct {
	client *elasticsearch.Client
	index  string
}

// NewElasticClient creates the client and checks the cluster answers.
func NewElasticClient(ctx context.Context, cfg config.SearchConfig) (*ElasticClient, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: &http.Transport{MaxIdleConnsPerHost: 10},
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}

	res, err := client.Info(client.Info.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("connect elasticsearch: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch info: %s", res.String())
	}

	return &ElasticClient{client: client, index: cfg.Index}, nil
}

// Index stores body under documentID, replacing any previous version.
func (c *ElasticClient) Index(ctx context.Context, documentID string, doc any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal audit document: %w", err)
	}

	req := esapi.IndexRequest{
		Index:      c.index,
		DocumentID: documentID,
		Body:       bytes.NewReader(body),
	}
	res, err := req.Do(ctx, c.client)
	if err != nil {
		return fmt.Errorf("execute index request: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		var e map[string]any
		if err := json.NewDecoder(res.Body).Decode(&e); err != nil {
			return fmt.Errorf("index error %s", res.Status())
		}
		return fmt.Errorf("index error: %v", e)
	}
	return nil
}
