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

// Package trace is the HTTP client for the external data-plane trace
// service the consistency loop uses to verify installed flows (spec.md
// §4.9, §6).
package trace

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"

	"github.com/everoute/mef-eline/pkg/collaborators"
)

// DefaultTimeout is the spec.md §5 trace-service call timeout.
const DefaultTimeout = 30 * time.Second

// StepKind enumerates the step types a trace result step may carry.
const (
	StepStarting     = "starting"
	StepIntermediary = "intermediary"
	StepLast         = "last"
	StepLoop         = "loop"
)

// SwitchRef identifies the (dpid, in_port) a trace starts or hops through.
type SwitchRef struct {
	DPID   string `json:"dpid"`
	InPort string `json:"in_port"`
}

// EthSpec is the optional Ethernet match used to seed a trace.
type EthSpec struct {
	DLType int `json:"dl_type,omitempty"`
	DLVLAN int `json:"dl_vlan,omitempty"`
}

// TraceSpec is one trace request's body.
type TraceSpec struct {
	Switch SwitchRef `json:"switch"`
	Eth    *EthSpec  `json:"eth,omitempty"`
}

// Request wraps a TraceSpec the way PUT /sdntrace_cp/v*/traces expects it.
type Request struct {
	Trace TraceSpec `json:"trace"`
}

// Out describes the opposite-side egress a trace step observed, when
// present.
type Out struct {
	Port string `json:"port"`
	VLAN int    `json:"vlan"`
}

// Step is one hop of a trace result.
type Step struct {
	DPID string `json:"dpid"`
	Port string `json:"port"`
	Type string `json:"type"`
	VLAN int    `json:"vlan"`
	Out  *Out   `json:"out,omitempty"`
}

type result struct {
	Result [][]Step `json:"result"`
}

// Client talks to the data-plane trace service.
type Client struct {
	baseURL string
	http    *retryablehttp.Client
	timeout time.Duration
}

// New builds a trace client against baseURL (e.g.
// "http://sdntrace_cp:8181/api/amlight/sdntrace_cp/v1/traces").
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    collaborators.NewHTTPClient(DefaultTimeout, "trace"),
		timeout: DefaultTimeout,
	}
}

// BulkTrace sends every request in one PUT call and returns the ordered
// list of per-request trace step sequences (spec.md §4.9 step 1: "Send all
// requests in one bulk trace call").
func (c *Client) BulkTrace(ctx context.Context, reqs []Request) ([][]Step, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(reqs)
	if err != nil {
		return nil, errors.Wrap(err, "trace: encode request")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := retryablehttp.NewRequest(http.MethodPut, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "trace: build request")
	}
	httpReq = httpReq.WithContext(ctx)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "trace: transport error")
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("trace: unexpected status %d", resp.StatusCode)
	}

	var parsed result
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, errors.Wrap(err, "trace: decode response")
	}
	return parsed.Result, nil
}
