// Copyright 2024 The RegionDB Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// Package metaclient talks to the cluster metadata service. The tool uses it
// for two things only: resolving region descriptors it cannot see in the
// local store, and fetching range digests from the other replicas of a
// region. Both are idempotent reads and are retried with exponential
// backoff; nothing in this package mutates cluster state.
package metaclient

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/regiondb/regionctl/regionpb"
	"github.com/regiondb/regionctl/util/log"
)

var (
	// ErrRegionNotFound is returned when the metadata service knows no region
	// matching the query.
	ErrRegionNotFound = errors.New("region not found in cluster metadata")
	// ErrDigestUnavailable is returned when a peer cannot produce a digest,
	// for example because it is down or mid-snapshot.
	ErrDigestUnavailable = errors.New("replica digest unavailable")
)

// Digest summarizes the replicated state of one replica: the raft index the
// digest was computed at and a checksum over the region's data at that index.
type Digest struct {
	RegionID     regionpb.RegionID `json:"region_id"`
	StoreID      regionpb.StoreID  `json:"store_id"`
	AppliedIndex uint64            `json:"applied_index"`
	Checksum     []byte            `json:"checksum"`
}

// Client resolves cluster metadata.
type Client interface {
	// GetRegion returns the descriptor for the region with the given id.
	GetRegion(ctx context.Context, id regionpb.RegionID) (*regionpb.RegionDescriptor, error)
	// GetRegionByKey returns the descriptor of the region containing key.
	GetRegionByKey(ctx context.Context, key regionpb.Key) (*regionpb.RegionDescriptor, error)
	// ScanRegions returns up to limit descriptors whose ranges intersect the
	// span, ordered by start key. limit <= 0 means no limit.
	ScanRegions(ctx context.Context, span regionpb.Span, limit int) ([]regionpb.RegionDescriptor, error)
	// RegionDigest asks the replica of the region on the given store for a
	// digest of its replicated state.
	RegionDigest(ctx context.Context, id regionpb.RegionID, storeID regionpb.StoreID) (Digest, error)
}

// HTTPClient is the Client over the metadata service's JSON API.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	maxRetries uint64
}

var _ Client = (*HTTPClient)(nil)

// HTTPOption configures NewHTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPClient substitutes the underlying http.Client.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(c *HTTPClient) { c.httpClient = hc }
}

// WithMaxRetries bounds the retry loop on transient failures.
func WithMaxRetries(n uint64) HTTPOption {
	return func(c *HTTPClient) { c.maxRetries = n }
}

// NewHTTPClient returns a client for the metadata service at baseURL.
func NewHTTPClient(baseURL string, opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		maxRetries: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// getJSON performs one GET with bounded exponential backoff. 404s map to
// ErrRegionNotFound and are not retried; 5xx and transport errors are.
func (c *HTTPClient) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			log.VEventf(ctx, "metadata request %s failed, will retry: %v", path, err)
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		switch {
		case resp.StatusCode == http.StatusOK:
			return backoffPermanentIfErr(json.NewDecoder(resp.Body).Decode(out))
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(errors.Mark(
				errors.Newf("metadata service has no result for %s", path), ErrRegionNotFound))
		case resp.StatusCode >= 500:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			log.VEventf(ctx, "metadata request %s returned %d, will retry", path, resp.StatusCode)
			return errors.Newf("metadata service returned %d: %s", resp.StatusCode, body)
		default:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(
				errors.Newf("metadata service returned %d: %s", resp.StatusCode, body))
		}
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(newBackOff(), c.maxRetries), ctx)
	return backoff.Retry(op, policy)
}

func newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	return bo
}

func backoffPermanentIfErr(err error) error {
	if err != nil {
		return backoff.Permanent(errors.Wrap(err, "decoding metadata response"))
	}
	return nil
}

// GetRegion implements Client.
func (c *HTTPClient) GetRegion(
	ctx context.Context, id regionpb.RegionID,
) (*regionpb.RegionDescriptor, error) {
	var desc regionpb.RegionDescriptor
	if err := c.getJSON(ctx, fmt.Sprintf("/regions/%d", id), nil, &desc); err != nil {
		return nil, err
	}
	return &desc, nil
}

// GetRegionByKey implements Client.
func (c *HTTPClient) GetRegionByKey(
	ctx context.Context, key regionpb.Key,
) (*regionpb.RegionDescriptor, error) {
	query := url.Values{"key": []string{hex.EncodeToString(key)}}
	var desc regionpb.RegionDescriptor
	if err := c.getJSON(ctx, "/regions/key", query, &desc); err != nil {
		return nil, err
	}
	return &desc, nil
}

// ScanRegions implements Client.
func (c *HTTPClient) ScanRegions(
	ctx context.Context, span regionpb.Span, limit int,
) ([]regionpb.RegionDescriptor, error) {
	query := url.Values{
		"start": []string{hex.EncodeToString(span.Key)},
		"end":   []string{hex.EncodeToString(span.EndKey)},
	}
	if limit > 0 {
		query.Set("limit", fmt.Sprint(limit))
	}
	var descs []regionpb.RegionDescriptor
	if err := c.getJSON(ctx, "/regions", query, &descs); err != nil {
		return nil, err
	}
	return descs, nil
}

// RegionDigest implements Client.
func (c *HTTPClient) RegionDigest(
	ctx context.Context, id regionpb.RegionID, storeID regionpb.StoreID,
) (Digest, error) {
	query := url.Values{"store": []string{fmt.Sprint(storeID)}}
	var digest Digest
	err := c.getJSON(ctx, fmt.Sprintf("/regions/%d/digest", id), query, &digest)
	if err != nil {
		if errors.Is(err, ErrRegionNotFound) {
			return Digest{}, errors.Mark(
				errors.Newf("r%d has no digest on store s%d", id, storeID), ErrDigestUnavailable)
		}
		return Digest{}, err
	}
	return digest, nil
}
