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

// Package dispatch sends install/delete flow batches to the external
// flow-manager service and implements its retry policy (spec.md §4.4).
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	log "github.com/Sirupsen/logrus"
	"github.com/cenkalti/backoff"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"

	"github.com/everoute/mef-eline/pkg/collaborators"
	"github.com/everoute/mef-eline/pkg/flow"
)

// DefaultTimeout is the spec.md §5 flow-manager call timeout.
const DefaultTimeout = 30 * time.Second

// Retry policy constants (spec.md §4.4): up to 3 attempts, 3s combined base
// wait plus 2-7s random jitter per attempt.
const (
	MaxAttempts  = 3
	BaseWait     = 3 * time.Second
	JitterMin    = 2 * time.Second
	JitterMax    = 7 * time.Second
)

// FlowModException is raised when the flow-manager reports a non-2xx
// response (spec.md §7). When all attempts fail, send returns the last
// attempt's error wrapped; that is a FlowModException only if the last
// attempt got a response, and a transport error otherwise.
type FlowModException struct {
	StatusCode int
	Body       string
}

func (e *FlowModException) Error() string {
	return fmt.Sprintf("dispatch: flow-manager returned %d: %s", e.StatusCode, e.Body)
}

// switchFlows is the flows_by_switch wire body (spec.md §6).
type switchFlows struct {
	Flows []flow.Flow `json:"flows"`
}

// Dispatcher sends install/delete batches to the flow-manager.
type Dispatcher struct {
	baseURL string
	http    *retryablehttp.Client
	timeout time.Duration
	log     *log.Entry
	rand    *rand.Rand
}

// New builds a Dispatcher against baseURL (e.g.
// "http://flow-manager:8181/api/kytos/flow_manager/v2/flows_by_switch/").
func New(baseURL string) *Dispatcher {
	return &Dispatcher{
		baseURL: baseURL,
		http:    collaborators.NewHTTPClient(DefaultTimeout, "dispatch"),
		timeout: DefaultTimeout,
		log:     log.WithField("component", "dispatch"),
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Install sends one install batch for every switch in flowsBySwitch, force
// controls the flow-manager's ?force= query parameter.
func (d *Dispatcher) Install(ctx context.Context, flowsBySwitch map[string][]flow.Flow, force bool) error {
	return d.send(ctx, http.MethodPost, flowsBySwitch, force)
}

// Delete sends one delete batch for every switch in flowsBySwitch (flows
// here typically carry only a cookie/cookie_mask match, see
// flow.DeleteCookieMatch).
func (d *Dispatcher) Delete(ctx context.Context, flowsBySwitch map[string][]flow.Flow, force bool) error {
	return d.send(ctx, http.MethodDelete, flowsBySwitch, force)
}

func (d *Dispatcher) send(ctx context.Context, method string, flowsBySwitch map[string][]flow.Flow, force bool) error {
	if len(flowsBySwitch) == 0 {
		return nil
	}

	body := make(map[string]switchFlows, len(flowsBySwitch))
	for sw, flows := range flowsBySwitch {
		body[sw] = switchFlows{Flows: flows}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "dispatch: encode request")
	}

	url := d.baseURL
	if force {
		url += "?force=true"
	}

	attempt := 0
	op := func() error {
		attempt++
		reqCtx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()

		req, err := retryablehttp.NewRequest(method, url, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(errors.Wrap(err, "dispatch: build request"))
		}
		req = req.WithContext(reqCtx)
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.http.Do(req)
		if err != nil {
			d.log.WithError(err).WithField("attempt", attempt).Warn("dispatch: transport error")
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode/100 != 2 {
			buf := new(bytes.Buffer)
			buf.ReadFrom(resp.Body)
			fme := &FlowModException{StatusCode: resp.StatusCode, Body: buf.String()}
			d.log.WithField("attempt", attempt).Warn(fme.Error())
			return fme
		}
		return nil
	}

	policy := backoff.WithMaxRetries(d.jitteredBackOff(), MaxAttempts-1)
	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("dispatch: %s after %d attempts: %w", method, attempt, err)
	}
	return nil
}

// jitteredBackOff implements the §4.4 policy: a fixed 3s base wait plus a
// 2-7s random jitter on every attempt.
func (d *Dispatcher) jitteredBackOff() backoff.BackOff {
	return &jitteredConstant{base: BaseWait, jitterMin: JitterMin, jitterMax: JitterMax, rnd: d.rand}
}

type jitteredConstant struct {
	base      time.Duration
	jitterMin time.Duration
	jitterMax time.Duration
	rnd       *rand.Rand
}

func (j *jitteredConstant) NextBackOff() time.Duration {
	span := j.jitterMax - j.jitterMin
	jitter := j.jitterMin
	if span > 0 {
		jitter += time.Duration(j.rnd.Int63n(int64(span)))
	}
	return j.base + jitter
}

func (j *jitteredConstant) Reset() {}
