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

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/Sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/everoute/mef-eline/pkg/collaborators/pathfinder"
	"github.com/everoute/mef-eline/pkg/collaborators/trace"
	"github.com/everoute/mef-eline/pkg/config"
	"github.com/everoute/mef-eline/pkg/consistency"
	"github.com/everoute/mef-eline/pkg/dispatch"
	"github.com/everoute/mef-eline/pkg/docstore"
	"github.com/everoute/mef-eline/pkg/evc"
	"github.com/everoute/mef-eline/pkg/events"
	"github.com/everoute/mef-eline/pkg/flow"
	"github.com/everoute/mef-eline/pkg/path"
	"github.com/everoute/mef-eline/pkg/registry"
	"github.com/everoute/mef-eline/pkg/router"
	"github.com/everoute/mef-eline/pkg/uni"
)

func serveCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "/etc/mefelined/config.yaml", "path to the daemon's YAML configuration file")
	return cmd
}

func serve(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	reg := registry.New()
	store := evc.NewStore()
	bus := events.NewWebsocketBus(cfg.EventsURL)
	docStore := docstore.NewHTTPStore(cfg.DocStoreURL)

	deployer := &evc.Deployer{
		Registry:     reg,
		Builder:      flow.NewBuilder(cfg.Priorities),
		Dispatcher:   dispatch.New(cfg.ManagerURL),
		PathFinder:   pathfinder.New(cfg.PathfinderURL),
		Events:       bus,
		SPFAttribute: cfg.SPFAttribute,
		SPFMaxPaths:  cfg.SPFMaxPaths,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n, err := store.LoadFromDocStore(ctx, docStore, func(doc docstore.Document) (*evc.EVC, error) {
		return decodeEVC(reg, doc)
	})
	if err != nil {
		log.WithError(err).Warn("serve: failed to load resident evcs from the document store")
	} else {
		log.WithField("count", n).Info("serve: loaded resident evcs")
		bus.Publish(events.EVCsLoaded, events.Content{})
	}

	evcs := func() []*evc.EVC { return store.List() }

	rtr := router.New(reg, deployer, evcs, cfg.DisjointPathCutoff)
	go rtr.Run(ctx, cfg.RouterWorkers)

	loop := &consistency.Loop{
		Deployer: deployer,
		Tracer:   trace.New(cfg.TraceURL),
		Period:   cfg.ConsistencyLoopPeriod,
		Cutoff:   cfg.DisjointPathCutoff,
	}
	go loop.Run(ctx, evcs)

	watcher := config.NewWatcher(configPath, func(newCfg config.Config) {
		deployer.SPFAttribute = newCfg.SPFAttribute
		deployer.SPFMaxPaths = newCfg.SPFMaxPaths
	})
	if err := watcher.Start(); err != nil {
		log.WithError(err).Warn("serve: config hot-reload disabled")
	} else {
		defer watcher.Stop()
	}

	log.Info("serve: mefelined started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("serve: shutting down")
	cancel()
	return nil
}

// decodeEVC rebuilds an *evc.EVC from a persisted document, restoring every
// attribute Fields wrote out: both UNIs and their tags, all four path slots
// plus current/failover's s_vlan allocations (replayed against reg's link
// pools so a different EVC's later deploy can't double-allocate one),
// dynamic_backup_path, both constraint maps, queue_id, priority/sb_priority,
// table_group, and metadata (spec.md §6 Persistence: "Documents carry all
// EVC attributes"). A document whose path slots reference a link id no
// longer in reg is rejected outright rather than silently losing its
// deployed state; LoadFromDocStore logs and skips it for the caller.
func decodeEVC(reg *registry.Registry, doc docstore.Document) (*evc.EVC, error) {
	fields := doc.Fields

	uniA, err := evcUNI(fields, "uni_a")
	if err != nil {
		return nil, fmt.Errorf("evc: decode %q: %w", doc.ID, err)
	}
	uniZ, err := evcUNI(fields, "uni_z")
	if err != nil {
		return nil, fmt.Errorf("evc: decode %q: %w", doc.ID, err)
	}

	name, _ := fields["name"].(string)
	e := evc.New(doc.ID, name, uniA, uniZ)

	e.Owner, _ = fields["owner"].(string)
	if v, ok := asInt(fields["priority"]); ok {
		e.Priority = v
	}
	if v, ok := asInt(fields["sb_priority"]); ok {
		e.SBPriority = v
	}
	if v, ok := asInt(fields["service_level"]); ok {
		e.ServiceLevel = v
	}
	if v, ok := asInt(fields["queue_id"]); ok {
		e.QueueID = v
	}
	if v, ok := asInt(fields["bandwidth"]); ok {
		e.Bandwidth = v
	}
	if v, ok := asInt(fields["table_group_evpl"]); ok {
		e.TableGroup.EVPL = v
	}
	if v, ok := asInt(fields["table_group_epl"]); ok {
		e.TableGroup.EPL = v
	}
	if dyn, ok := fields["dynamic_backup_path"].(bool); ok {
		e.DynamicBackupPath = dyn
	}
	if constraints, ok := fields["primary_constraints"].(map[string]interface{}); ok {
		e.PrimaryConstraints = constraints
	}
	if constraints, ok := fields["secondary_constraints"].(map[string]interface{}); ok {
		e.SecondaryConstraints = constraints
	}
	if metadata, ok := fields["metadata"].(map[string]interface{}); ok {
		e.Metadata = metadata
	}
	if archived, ok := fields["archived"].(bool); ok {
		e.Archived = archived
	}
	if enabled, ok := fields["enabled"].(bool); ok {
		e.Enabled = enabled
	}
	if active, ok := fields["active"].(bool); ok {
		e.Active = active
	}

	primary := evcPath(fields, "primary_path")
	backup := evcPath(fields, "backup_path")
	current := evcPath(fields, "current_path")
	failover := evcPath(fields, "failover_path")
	currentVLANs := evcVLANMap(fields, "current_path_vlans")
	failoverVLANs := evcVLANMap(fields, "failover_path_vlans")

	if err := e.RestorePathState(reg, primary, backup, current, failover, currentVLANs, failoverVLANs); err != nil {
		return nil, fmt.Errorf("evc: restore path state for %q: %w", doc.ID, err)
	}

	return e, nil
}

// evcUNI resolves the (interface_id, tag) pair for key ("uni_a"/"uni_z")
// out of a document's loosely-typed field map.
func evcUNI(fields map[string]interface{}, key string) (uni.UNI, error) {
	raw, _ := fields[key].(map[string]interface{})
	if raw == nil {
		return uni.UNI{}, fmt.Errorf("missing %s", key)
	}
	return uni.UNIFromFields(raw)
}

// evcPath decodes a path's persisted hop-id list (a []string when a test
// builds doc.Fields by hand, a []interface{} once it has round-tripped
// through encoding/json, as the HTTP doc-store collaborator does).
func evcPath(fields map[string]interface{}, key string) path.Path {
	switch raw := fields[key].(type) {
	case []string:
		return path.New(raw...)
	case []interface{}:
		ids := make([]string, 0, len(raw))
		for _, item := range raw {
			if id, ok := item.(string); ok {
				ids = append(ids, id)
			}
		}
		return path.New(ids...)
	default:
		return path.Path{}
	}
}

// evcVLANMap decodes a persisted link-id -> s_vlan allocation map, same
// hand-built-vs-json-round-tripped shape duality as evcPath.
func evcVLANMap(fields map[string]interface{}, key string) map[string]int {
	switch raw := fields[key].(type) {
	case map[string]int:
		return raw
	case map[string]interface{}:
		out := make(map[string]int, len(raw))
		for k, v := range raw {
			if n, ok := asInt(v); ok {
				out[k] = n
			}
		}
		return out
	default:
		return nil
	}
}

// asInt accepts the numeric shapes a persisted field can arrive as: a plain
// int, or a float64 (every JSON number decoded into interface{}).
func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}
