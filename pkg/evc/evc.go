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

// Package evc is the core EVC aggregate: its attributes, lifecycle state
// machine and invariants (spec.md §3, §4.5), and the deployer primitives
// built on top of it (deployer.go). The source's EVCBase -> EVCDeploy ->
// LinkProtection -> EVC inheritance chain collapses to this one aggregate
// with separated method groups (Design Notes §9).
package evc

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/everoute/mef-eline/pkg/flow"
	"github.com/everoute/mef-eline/pkg/link"
	"github.com/everoute/mef-eline/pkg/path"
	"github.com/everoute/mef-eline/pkg/registry"
	"github.com/everoute/mef-eline/pkg/uni"
)

// SchedulerRecord is one circuit_scheduler entry, managed by the
// out-of-scope schedule collaborator (spec.md §3; shape supplemented from
// original_source/db/models.py, see SPEC_FULL.md §4).
type SchedulerRecord struct {
	ID             string `json:"id"`
	CronExpression string `json:"cron_expression"`
	Action         string `json:"action"`
}

// ErrActivation is raised by TryToActivate when the activation
// precondition isn't met; not a deploy-level error (spec.md §7).
var ErrActivation = fmt.Errorf("evc: activation preconditions not met")

// ErrArchived is returned by every mutating method once the EVC is
// archived (spec.md §4.5: archive is terminal).
var ErrArchived = fmt.Errorf("evc: evc is archived")

// EVC is the core aggregate (spec.md §3).
type EVC struct {
	ID           string
	Name         string
	Owner        string
	Priority     int
	SBPriority   int // operator override for get_priority; < 0 means unset
	ServiceLevel int

	UNIA uni.UNI
	UNIZ uni.UNI

	PrimaryPath  path.Path
	BackupPath   path.Path
	CurrentPath  path.Path
	FailoverPath path.Path

	DynamicBackupPath bool

	PrimaryConstraints   map[string]interface{}
	SecondaryConstraints map[string]interface{}

	QueueID    int // -1 == unset
	Bandwidth  int
	TableGroup flow.TableGroup

	CircuitScheduler []SchedulerRecord

	Enabled  bool
	Active   bool
	Archived bool

	CreationTime    time.Time
	InsertedAt      time.Time
	UpdatedAt       time.Time
	LastFlowRemoval time.Time

	Metadata map[string]interface{}

	ExecutionRounds int

	// currentVLANs / failoverVLANs record which s_vlan was allocated on
	// which link for the currently-installed path slots, so release calls
	// don't need to re-derive allocation from the link pool.
	currentVLANs  map[string]int
	failoverVLANs map[string]int

	mu sync.Mutex
}

// New builds an enabled-but-inactive EVC, the state a freshly-created
// circuit starts in once the (out-of-scope) REST layer persists it.
func New(id, name string, uniA, uniZ uni.UNI) *EVC {
	return &EVC{
		ID:           id,
		Name:         name,
		UNIA:         uniA,
		UNIZ:         uniZ,
		QueueID:      -1,
		SBPriority:   -1,
		Enabled:      true,
		CreationTime: time.Now(),
		InsertedAt:   time.Now(),
		UpdatedAt:    time.Now(),
	}
}

// TryLock attempts to acquire the EVC's per-entity mutex without blocking
// (spec.md §5: "every deployer entry point and the consistency loop acquire
// it non-blockingly -- if already held, that EVC is skipped").
func (e *EVC) TryLock() bool {
	return e.mu.TryLock()
}

// Lock blocks until the EVC's mutex is acquired. Used by entry points that
// must not skip the EVC (e.g. handling an explicit operator request).
func (e *EVC) Lock() { e.mu.Lock() }

// Unlock releases the EVC's mutex.
func (e *EVC) Unlock() { e.mu.Unlock() }

// IDLow56 parses the EVC id as hex and returns its low 56 bits, used by the
// cookie discipline (spec.md §3).
func (e *EVC) IDLow56() uint64 {
	cleaned := strings.TrimPrefix(e.ID, "0x")
	if len(cleaned) > 14 {
		cleaned = cleaned[len(cleaned)-14:]
	}
	v, err := strconv.ParseUint(cleaned, 16, 64)
	if err != nil {
		// fall back to a stable non-cryptographic hash of the id so a
		// non-hex id still gets a deterministic cookie instead of a panic.
		return fnv56(e.ID)
	}
	return v & 0x00FF_FFFF_FFFF_FFFF
}

func fnv56(s string) uint64 {
	var h uint64 = 0xcbf29ce484222325
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 0x100000001b3
	}
	return h & 0x00FF_FFFF_FFFF_FFFF
}

// Cookie returns the flow cookie this EVC's flows carry.
func (e *EVC) Cookie() uint64 { return flow.Cookie(e.IDLow56()) }

// touch bumps UpdatedAt; called by every mutating transition.
func (e *EVC) touch() { e.UpdatedAt = time.Now() }

// Enable implements the (F,F,F) --enable--> (T,F,F) transition.
func (e *EVC) Enable() error {
	if e.Archived {
		return ErrArchived
	}
	e.Enabled = true
	e.touch()
	return nil
}

// Disable implements (T,*,F) --disable--> (F,F,F): it always clears active
// too, since active requires enabled.
func (e *EVC) Disable() error {
	if e.Archived {
		return ErrArchived
	}
	e.Enabled = false
	e.Active = false
	e.touch()
	return nil
}

// Archive implements (*,*,F) --archive--> (F,F,T), a terminal transition.
// All path slots must be empty per spec.md §3's archived invariant; callers
// are expected to have undeployed first (Deployer.Undeploy does this).
func (e *EVC) Archive() error {
	if e.Archived {
		return nil
	}
	e.Enabled = false
	e.Active = false
	e.Archived = true
	e.PrimaryPath = path.Path{}
	e.BackupPath = path.Path{}
	e.CurrentPath = path.Path{}
	e.FailoverPath = path.Path{}
	e.touch()
	return nil
}

// IsIntraSwitch reports whether both UNIs sit on the same switch.
func (e *EVC) IsIntraSwitch(reg *registry.Registry) (bool, error) {
	swA, err := reg.SwitchOf(e.UNIA.InterfaceID)
	if err != nil {
		return false, err
	}
	swZ, err := reg.SwitchOf(e.UNIZ.InterfaceID)
	if err != nil {
		return false, err
	}
	return swA.DPID == swZ.DPID, nil
}

// uniInterfacesUp reports whether both UNI interfaces are administratively
// and operationally up.
func (e *EVC) uniInterfacesUp(reg *registry.Registry) bool {
	for _, ifaceID := range []string{e.UNIA.InterfaceID, e.UNIZ.InterfaceID} {
		iface, ok := reg.Interface(ifaceID)
		if !ok || iface.Status != registry.InterfaceUp {
			return false
		}
	}
	return true
}

// TryToActivate is the only path into active (spec.md §4.5): requires
// both UNI interfaces up and (intra-switch or current_path.status == UP).
func (e *EVC) TryToActivate(reg *registry.Registry) error {
	if e.Archived {
		return ErrArchived
	}
	if !e.Enabled {
		return fmt.Errorf("%w: evc is not enabled", ErrActivation)
	}
	if !e.uniInterfacesUp(reg) {
		return fmt.Errorf("%w: a uni interface is down", ErrActivation)
	}

	intra, err := e.IsIntraSwitch(reg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrActivation, err)
	}
	if !intra {
		if e.CurrentPath.IsEmpty() {
			return fmt.Errorf("%w: no current path", ErrActivation)
		}
		if e.CurrentPath.Status(reg) != link.StatusUp {
			return fmt.Errorf("%w: current path is not up", ErrActivation)
		}
	}

	e.Active = true
	e.touch()
	return nil
}

// Deactivate transitions active -> inactive without altering enabled.
func (e *EVC) Deactivate() {
	if e.Active {
		e.Active = false
		e.touch()
	}
}

// Fields projects the EVC into the doc-store wire shape (spec.md §6
// Persistence: "Documents carry all EVC attributes plus inserted_at/
// updated_at"; shape grounded on original_source/db/models.py's
// EVCBaseDoc). The docstore.Store interface's Upsert method takes this
// shape directly.
func (e *EVC) Fields() map[string]interface{} {
	currentVLANs, failoverVLANs := e.PathState()
	return map[string]interface{}{
		"name":                  e.Name,
		"owner":                 e.Owner,
		"priority":              e.Priority,
		"sb_priority":           e.SBPriority,
		"service_level":         e.ServiceLevel,
		"uni_a":                 e.UNIA.Fields(),
		"uni_z":                 e.UNIZ.Fields(),
		"primary_path":          e.PrimaryPath.Hops(),
		"backup_path":           e.BackupPath.Hops(),
		"current_path":          e.CurrentPath.Hops(),
		"failover_path":         e.FailoverPath.Hops(),
		"current_path_vlans":    currentVLANs,
		"failover_path_vlans":   failoverVLANs,
		"dynamic_backup_path":   e.DynamicBackupPath,
		"primary_constraints":   e.PrimaryConstraints,
		"secondary_constraints": e.SecondaryConstraints,
		"queue_id":              e.QueueID,
		"bandwidth":             e.Bandwidth,
		"table_group_evpl":      e.TableGroup.EVPL,
		"table_group_epl":       e.TableGroup.EPL,
		"archived":              e.Archived,
		"enabled":               e.Enabled,
		"active":                e.Active,
		"metadata":              e.Metadata,
	}
}

// PathState exposes the s_vlan allocations recorded against current_path
// and failover_path, for Fields to persist alongside the path's link ids
// (decodeEVC can't rederive them from the registry alone: a link's pool
// only tracks which EVC holds a vlan, not which vlan is "the" one this
// EVC's Nth hop got).
func (e *EVC) PathState() (currentVLANs, failoverVLANs map[string]int) {
	return copyVLANMap(e.currentVLANs), copyVLANMap(e.failoverVLANs)
}

// RestorePathState reconstructs the EVC's four path slots and replays
// current_path/failover_path's persisted s_vlan allocations against reg's
// link pools, so a later deploy for a *different* EVC doesn't hand out a
// vlan this EVC already holds on a shared link (spec.md §6 Persistence).
// Primary/backup carry no vlan allocation of their own, matching the two
// maps New's zero-value EVC already carries.
func (e *EVC) RestorePathState(reg *registry.Registry, primary, backup, current, failover path.Path, currentVLANs, failoverVLANs map[string]int) error {
	if err := current.RestoreVLANs(reg, e.ID, currentVLANs); err != nil {
		return err
	}
	if err := failover.RestoreVLANs(reg, e.ID, failoverVLANs); err != nil {
		return err
	}
	e.PrimaryPath = primary
	e.BackupPath = backup
	e.CurrentPath = current
	e.FailoverPath = failover
	e.currentVLANs = copyVLANMap(currentVLANs)
	e.failoverVLANs = copyVLANMap(failoverVLANs)
	return nil
}

func copyVLANMap(m map[string]int) map[string]int {
	if m == nil {
		return nil
	}
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ShouldDeploy reports whether a deploy attempt should proceed: the EVC
// must be enabled, not archived, and not already active on a path that
// satisfies pathHint (when given) or simply already active (spec.md §4.5
// step 1).
func (e *EVC) ShouldDeploy(pathHint *path.Path) bool {
	if e.Archived || !e.Enabled {
		return false
	}
	if !e.Active {
		return true
	}
	if pathHint == nil {
		return false
	}
	return !e.CurrentPath.Equal(*pathHint)
}
