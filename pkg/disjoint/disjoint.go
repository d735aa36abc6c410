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

// Package disjoint implements the disjoint-path scoring and selection used
// by failover provisioning (spec.md §4.7): it is a standalone package (not
// folded into pkg/linkdown) so both pkg/evc (setup_failover_path) and
// pkg/linkdown (the link-down pipeline) can depend on it without a cycle.
package disjoint

import (
	"context"
	"sort"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/everoute/mef-eline/pkg/collaborators/pathfinder"
	"github.com/everoute/mef-eline/pkg/link"
	"github.com/everoute/mef-eline/pkg/path"
	"github.com/everoute/mef-eline/pkg/registry"
)

// edgeKey is an unordered endpoint pair, used to compare links between two
// paths irrespective of direction.
type edgeKey [2]string

func edgeOf(l *link.Link) edgeKey {
	a, z := l.EndpointA, l.EndpointZ
	if a > z {
		a, z = z, a
	}
	return edgeKey{a, z}
}

// Disjointness computes the §4.7 score between candidate and unwanted:
// 1 - (shared_links + shared_switches) / L, where L is the link+transit
// switch count of unwanted.
func Disjointness(reg *registry.Registry, unwanted, candidate path.Path, switchA, switchZ string) (float64, error) {
	unwantedLinks, err := unwanted.Links(reg)
	if err != nil {
		return 0, err
	}
	candidateLinks, err := candidate.Links(reg)
	if err != nil {
		return 0, err
	}

	unwantedEdges := sets.NewString()
	for _, l := range unwantedLinks {
		k := edgeOf(l)
		unwantedEdges.Insert(k[0] + "|" + k[1])
	}
	candidateEdges := sets.NewString()
	for _, l := range candidateLinks {
		k := edgeOf(l)
		candidateEdges.Insert(k[0] + "|" + k[1])
	}
	sharedLinks := unwantedEdges.Intersection(candidateEdges).Len()

	unwantedSwitches, err := unwanted.TransitSwitches(reg, switchA, switchZ)
	if err != nil {
		return 0, err
	}
	candidateSwitches, err := candidate.TransitSwitches(reg, switchA, switchZ)
	if err != nil {
		return 0, err
	}
	unwantedSwitchSet := sets.StringKeySet(unwantedSwitches)
	candidateSwitchSet := sets.StringKeySet(candidateSwitches)
	sharedSwitches := unwantedSwitchSet.Intersection(candidateSwitchSet).Len()

	l := unwantedEdges.Len() + unwantedSwitchSet.Len()
	if l == 0 {
		return 0, nil
	}
	return 1 - float64(sharedLinks+sharedSwitches)/float64(l), nil
}

// scoredCandidate pairs a candidate path with its disjointness score and
// path-finder cost, for sorting.
type scoredCandidate struct {
	p             path.Path
	disjointness  float64
	cost          float64
}

// DisjointCandidates requests up to cutoff candidates from the path finder
// for the (switchA, switchZ) pair, scores each against unwantedPath,
// rejects disjointness == 0, and returns the rest sorted by
// (-disjointness, cost), per spec.md §4.7. cutoff == 0 yields no
// candidates at all (boundary behavior, spec.md §8).
func DisjointCandidates(ctx context.Context, pf *pathfinder.Client, reg *registry.Registry, switchA, switchZ string, unwantedPath path.Path, spfAttribute string, cutoff int) ([]path.Path, error) {
	if cutoff <= 0 {
		return nil, nil
	}

	req := pathfinder.Request{
		Source:       switchA,
		Destination:  switchZ,
		SpfMaxPaths:  cutoff,
		SpfAttribute: spfAttribute,
	}
	raw, err := pf.FindPaths(ctx, req)
	if err != nil {
		return nil, err
	}

	var scored []scoredCandidate
	for _, c := range raw {
		pairs, err := pathfinder.ParseHops(c.Hops)
		if err != nil {
			continue
		}
		ids := make([]string, 0, len(pairs))
		ok := true
		for _, pair := range pairs {
			l, found := reg.LinkBetween(pair[0], pair[1])
			if !found {
				ok = false
				break
			}
			ids = append(ids, l.ID)
		}
		if !ok {
			continue
		}
		candidate := path.New(ids...)

		d, err := Disjointness(reg, unwantedPath, candidate, switchA, switchZ)
		if err != nil {
			continue
		}
		if d == 0 {
			continue
		}
		scored = append(scored, scoredCandidate{p: candidate, disjointness: d, cost: c.Cost})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].disjointness != scored[j].disjointness {
			return scored[i].disjointness > scored[j].disjointness
		}
		return scored[i].cost < scored[j].cost
	})

	out := make([]path.Path, len(scored))
	for i, s := range scored {
		out[i] = s.p
	}
	return out, nil
}
