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

// Package router is the inbound event router (spec.md §2 component 9):
// topology/flow-manager webhook callbacks land here, get debounced through
// a rate-limiting work queue, and fan out to the link-down pipeline or the
// link-up reaction.
package router

import (
	"context"

	log "github.com/Sirupsen/logrus"
	"k8s.io/client-go/util/workqueue"

	"github.com/everoute/mef-eline/pkg/evc"
	"github.com/everoute/mef-eline/pkg/link"
	"github.com/everoute/mef-eline/pkg/linkdown"
	"github.com/everoute/mef-eline/pkg/linkup"
	"github.com/everoute/mef-eline/pkg/registry"
)

// kind discriminates the work items the router queues.
type kind int

const (
	kindLinkDown kind = iota
	kindLinkUp
)

type item struct {
	kind kind
	id   string // link id
}

// Router dispatches inbound topology events to the link-down and link-up
// handlers, debouncing repeated notifications for the same link through a
// rate-limiting queue (spec.md §5: "a link flapping faster than the
// pipeline can drain collapses into the queue's existing pending entry
// instead of running the pipeline once per flap").
type Router struct {
	Registry       *registry.Registry
	Deployer       *evc.Deployer
	EVCs           func() []*evc.EVC
	FailoverCutoff int

	queue workqueue.RateLimitingInterface
}

// New builds a Router with a fresh work queue.
func New(reg *registry.Registry, d *evc.Deployer, evcsFn func() []*evc.EVC, failoverCutoff int) *Router {
	return &Router{
		Registry:       reg,
		Deployer:       d,
		EVCs:           evcsFn,
		FailoverCutoff: failoverCutoff,
		queue:          workqueue.NewNamedRateLimitingQueue(workqueue.DefaultControllerRateLimiter(), "mef_eline_events"),
	}
}

// NotifyLinkDown records the link as down in the registry and enqueues the
// link-down pipeline for it.
func (r *Router) NotifyLinkDown(linkID string) {
	if l, ok := r.Registry.Link(linkID); ok {
		l.SetStatus(link.StatusDown)
	}
	r.queue.Add(item{kind: kindLinkDown, id: linkID})
}

// NotifyLinkUp records the link as up in the registry and enqueues the
// link-up reaction.
func (r *Router) NotifyLinkUp(linkID string) {
	if l, ok := r.Registry.Link(linkID); ok {
		l.SetStatus(link.StatusUp)
	}
	r.queue.Add(item{kind: kindLinkUp, id: linkID})
}

// NotifyInterfaceUp marks an interface up and enqueues a link-up reaction
// keyed by the interface's own link, if it has one.
func (r *Router) NotifyInterfaceUp(ifaceID string) {
	iface, ok := r.Registry.Interface(ifaceID)
	if !ok {
		return
	}
	iface.Status = registry.InterfaceUp
	r.Registry.UpsertInterface(iface)
	if iface.LinkID != "" {
		r.queue.Add(item{kind: kindLinkUp, id: iface.LinkID})
	}
}

// Run starts workers goroutines draining the queue until ctx is cancelled.
func (r *Router) Run(ctx context.Context, workers int) {
	for i := 0; i < workers; i++ {
		go r.runWorker(ctx)
	}
	<-ctx.Done()
	r.queue.ShutDown()
}

func (r *Router) runWorker(ctx context.Context) {
	for r.processNextItem(ctx) {
	}
}

func (r *Router) processNextItem(ctx context.Context) bool {
	raw, shutdown := r.queue.Get()
	if shutdown {
		return false
	}
	defer r.queue.Done(raw)

	it, ok := raw.(item)
	if !ok {
		r.queue.Forget(raw)
		return true
	}

	if err := r.sync(ctx, it); err != nil {
		log.WithField("link", it.id).WithError(err).Warn("router: handler failed, will retry")
		r.queue.AddRateLimited(raw)
		return true
	}
	r.queue.Forget(raw)
	return true
}

func (r *Router) sync(ctx context.Context, it item) error {
	switch it.kind {
	case kindLinkDown:
		linkdown.RunTick(ctx, r.Deployer, r.EVCs(), it.id)
	case kindLinkUp:
		linkup.RunTick(ctx, r.Deployer, r.EVCs(), r.FailoverCutoff)
	}
	return nil
}
