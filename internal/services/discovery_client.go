package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const metadataCacheKey = "metadata:"

// DiscoveryClientConfig configures the lookup of system metadata
type DiscoveryClientConfig struct {
	BaseURL     string
	Timeout     time.Duration
	RetryMax    int
	CacheTTL    time.Duration
	CachePrefix string
}

// systemResponse is the part of the discovery answer the client reads
type systemResponse struct {
	SystemName string            `json:"systemName"`
	Metadata   map[string]string `json:"metadata"`
}

// DiscoveryClient fetches consumer metadata from the system discovery
// service and caches found entries in redis. rdb may be nil.
type DiscoveryClient struct {
	cfg    DiscoveryClientConfig
	client *retryablehttp.Client
	rdb    *redis.Client
	logger *zap.Logger
}

func NewDiscoveryClient(cfg DiscoveryClientConfig, rdb *redis.Client, logger *zap.Logger) *DiscoveryClient {
	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	client.RetryWaitMin = 100 * time.Millisecond
	client.RetryWaitMax = time.Second
	client.Backoff = retryablehttp.LinearJitterBackoff
	client.HTTPClient.Timeout = cfg.Timeout
	client.Logger = nil
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &DiscoveryClient{
		cfg:    cfg,
		client: client,
		rdb:    rdb,
		logger: logger,
	}
}

// LookupMetadata implements MetadataLookup
func (d *DiscoveryClient) LookupMetadata(ctx context.Context, systemName string) (map[string]string, bool, error) {
	if d.cfg.BaseURL == "" {
		return nil, false, nil
	}

	if metadata, ok := d.cached(ctx, systemName); ok {
		return metadata, true, nil
	}

	endpoint := strings.TrimRight(d.cfg.BaseURL, "/") + "/systems/" + url.PathEscape(systemName)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, false, fmt.Errorf("error creating discovery request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("error querying discovery: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, nil
	case resp.StatusCode != http.StatusOK:
		return nil, false, fmt.Errorf("discovery returned status %d for %s", resp.StatusCode, systemName)
	}

	var system systemResponse
	if err := json.NewDecoder(resp.Body).Decode(&system); err != nil {
		return nil, false, fmt.Errorf("error decoding discovery response: %w", err)
	}
	if system.Metadata == nil {
		system.Metadata = map[string]string{}
	}

	d.store(ctx, systemName, system.Metadata)
	return system.Metadata, true, nil
}

func (d *DiscoveryClient) cacheKey(systemName string) string {
	return d.cfg.CachePrefix + metadataCacheKey + systemName
}

func (d *DiscoveryClient) cached(ctx context.Context, systemName string) (map[string]string, bool) {
	if d.rdb == nil || d.cfg.CacheTTL <= 0 {
		return nil, false
	}
	val, err := d.rdb.Get(ctx, d.cacheKey(systemName)).Result()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		d.logger.Warn("Failed to read metadata cache", zap.String("system_name", systemName), zap.Error(err))
		return nil, false
	}
	var metadata map[string]string
	if err := json.Unmarshal([]byte(val), &metadata); err != nil {
		d.logger.Warn("Discarding malformed metadata cache entry", zap.String("system_name", systemName), zap.Error(err))
		return nil, false
	}
	return metadata, true
}

func (d *DiscoveryClient) store(ctx context.Context, systemName string, metadata map[string]string) {
	if d.rdb == nil || d.cfg.CacheTTL <= 0 {
		return
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return
	}
	if err := d.rdb.Set(ctx, d.cacheKey(systemName), raw, d.cfg.CacheTTL).Err(); err != nil {
		d.logger.Warn("Failed to write metadata cache", zap.String("system_name", systemName), zap.Error(err))
	}
}
