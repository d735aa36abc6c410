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

// Package events publishes the mef_eline.* outbound events of spec.md §6 to
// the external topology/event bus.
package events

import (
	"encoding/json"
	"sync"
	"time"

	log "github.com/Sirupsen/logrus"
	"github.com/gorilla/websocket"
)

// Event names (spec.md §6 "Outbound events").
const (
	Deployed              = "mef_eline.deployed"
	Undeployed            = "mef_eline.undeployed"
	FailoverDeployed      = "mef_eline.failover_deployed"
	FailoverLinkDown      = "mef_eline.failover_link_down"
	FailoverOldPath       = "mef_eline.failover_old_path"
	RedeployedLinkDown    = "mef_eline.redeployed_link_down"
	ErrorRedeployLinkDown = "mef_eline.error_redeploy_link_down"
	NeedRedeploy          = "mef_eline.need_redeploy"
	EVCsLoaded            = "mef_eline.evcs_loaded"
)

// Content is the payload every mef_eline event carries (spec.md §6).
type Content struct {
	EVCID    string                 `json:"evc_id"`
	ID       string                 `json:"id"`
	Name     string                 `json:"name"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Active   bool                   `json:"active"`
	Enabled  bool                   `json:"enabled"`
	UNIA     interface{}            `json:"uni_a,omitempty"`
	UNIZ     interface{}            `json:"uni_z,omitempty"`
}

// Event is one frame published to the bus.
type Event struct {
	Name      string    `json:"name"`
	Content   Content   `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Bus publishes events to the external topology/event bus.
type Bus interface {
	Publish(name string, content Content)
}

// WebsocketBus publishes events over a persistent websocket connection to
// the controller's internal bus, the way a Kytos NApp streams events to its
// controller process.
type WebsocketBus struct {
	url string

	mu   sync.Mutex
	conn *websocket.Conn
	log  *log.Entry
}

// NewWebsocketBus builds a bus that lazily dials url on first publish and
// reconnects on write failure.
func NewWebsocketBus(url string) *WebsocketBus {
	return &WebsocketBus{url: url, log: log.WithField("component", "events")}
}

// Publish sends one event frame; failures are logged and swallowed, per
// spec.md §7's recovery policy ("a crash between persist and emit only
// costs a missed event, recoverable by the consistency loop").
func (b *WebsocketBus) Publish(name string, content Content) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil {
		conn, _, err := websocket.DefaultDialer.Dial(b.url, nil)
		if err != nil {
			b.log.WithError(err).WithField("event", name).Warn("events: failed to dial bus, dropping event")
			return
		}
		b.conn = conn
	}

	evt := Event{Name: name, Content: content, Timestamp: time.Now()}
	payload, err := json.Marshal(evt)
	if err != nil {
		b.log.WithError(err).Warn("events: failed to encode event")
		return
	}

	if err := b.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		b.log.WithError(err).WithField("event", name).Warn("events: failed to publish, dropping connection")
		b.conn.Close()
		b.conn = nil
	}
}

// NopBus discards every event; used in tests.
type NopBus struct{}

// Publish implements Bus.
func (NopBus) Publish(string, Content) {}
