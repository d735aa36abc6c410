/*
Copyright 2021 The Everoute Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package pathfinder is the HTTP client for the external path finder
// service (spec.md §6).
package pathfinder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"time"

	"github.com/cenkalti/backoff"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"

	"github.com/everoute/mef-eline/pkg/collaborators"
)

// DefaultTimeout is the spec.md §5 path finder call timeout.
const DefaultTimeout = 10 * time.Second

// Err is raised when the path finder is unreachable or returns a non-2xx
// status after retries exhaust (spec.md §7 PathFinderException).
var Err = errors.New("pathfinder: request failed")

// Request is the body of POST /pathfinder/v*/.
type Request struct {
	Source            string                 `json:"source"`
	Destination       string                 `json:"destination"`
	SpfMaxPaths       int                    `json:"spf_max_paths"`
	SpfAttribute      string                 `json:"spf_attribute"`
	MandatoryMetrics  map[string]interface{} `json:"mandatory_metrics,omitempty"`
	FlexibleMetrics   map[string]interface{} `json:"flexible_metrics,omitempty"`
}

// Candidate is one candidate path returned by the path finder: an
// alternating hops list (interface-id, switch-id, interface-id, ...) and a
// cost.
type Candidate struct {
	Hops []string `json:"hops"`
	Cost float64  `json:"cost"`
}

type response struct {
	Paths []Candidate `json:"paths"`
}

// Client talks to the path finder service.
type Client struct {
	baseURL string
	http    *retryablehttp.Client
	timeout time.Duration
}

// New builds a path finder client against baseURL (e.g.
// "http://pathfinder:8181/api/kytos/pathfinder/v3/").
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    collaborators.NewHTTPClient(DefaultTimeout, "pathfinder"),
		timeout: DefaultTimeout,
	}
}

// FindPaths requests up to req.SpfMaxPaths candidate paths, retrying
// transport/5xx failures 3 times with jitter (spec.md §7).
func (c *Client) FindPaths(ctx context.Context, req Request) ([]Candidate, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "pathfinder: encode request")
	}

	var candidates []Candidate
	op := func() error {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		httpReq, err := retryablehttp.NewRequest(http.MethodPost, c.baseURL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(errors.Wrap(err, "pathfinder: build request"))
		}
		httpReq = httpReq.WithContext(ctx)
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(httpReq)
		if err != nil {
			return errors.Wrap(err, "pathfinder: transport error")
		}
		defer resp.Body.Close()

		if resp.StatusCode/100 == 4 {
			data, _ := ioutil.ReadAll(resp.Body)
			return backoff.Permanent(fmt.Errorf("%w: %d %s", Err, resp.StatusCode, string(data)))
		}
		if resp.StatusCode/100 != 2 {
			data, _ := ioutil.ReadAll(resp.Body)
			return fmt.Errorf("%w: %d %s", Err, resp.StatusCode, string(data))
		}

		var parsed response
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return backoff.Permanent(errors.Wrap(err, "pathfinder: decode response"))
		}
		candidates = parsed.Paths
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return candidates, nil
}

// InterfaceIDMinLen is the spec.md §6 rule distinguishing an interface id
// from a switch id in a hops list ("interface-id (>23 chars)").
const InterfaceIDMinLen = 23

// ParseHops consumes a hops list alternating interface-id/switch-id pairs
// and rebuilds the ordered list of (ifaceA, ifaceZ) link endpoint pairs.
func ParseHops(hops []string) ([][2]string, error) {
	var links [][2]string
	var pendingIface string
	for _, h := range hops {
		if len(h) > InterfaceIDMinLen {
			if pendingIface != "" {
				links = append(links, [2]string{pendingIface, h})
				pendingIface = ""
			} else {
				pendingIface = h
			}
		}
	}
	if pendingIface != "" {
		return nil, fmt.Errorf("pathfinder: hops list ends with an unpaired interface %q", pendingIface)
	}
	return links, nil
}
