package disjoint

import (
	"context"
	"testing"

	. "github.com/onsi/gomega"

	"github.com/everoute/mef-eline/pkg/collaborators/pathfinder"
	"github.com/everoute/mef-eline/pkg/link"
	"github.com/everoute/mef-eline/pkg/path"
	"github.com/everoute/mef-eline/pkg/registry"
)

// diamond builds sw1 connected to sw4 via two independent two-hop routes
// through sw2 and sw3 respectively.
func diamond() *registry.Registry {
	reg := registry.New()
	for _, dpid := range []string{"sw1", "sw2", "sw3", "sw4"} {
		reg.UpsertSwitch(&registry.Switch{DPID: dpid})
	}

	links := []struct{ id, a, z string }{
		{"l1", "sw1:1", "sw2:1"},
		{"l2", "sw2:2", "sw4:1"},
		{"l3", "sw1:2", "sw3:1"},
		{"l4", "sw3:2", "sw4:2"},
	}
	for _, l := range links {
		reg.UpsertLink(link.New(l.id, l.a, l.z))
		reg.UpsertInterface(&registry.Interface{ID: l.a, SwitchID: l.a[:3], Status: registry.InterfaceUp, LinkID: l.id})
		reg.UpsertInterface(&registry.Interface{ID: l.z, SwitchID: l.z[:3], Status: registry.InterfaceUp, LinkID: l.id})
	}
	return reg
}

func TestDisjointnessFullyDisjointScoresOne(t *testing.T) {
	RegisterTestingT(t)
	reg := diamond()
	unwanted := path.New("l1", "l2")
	candidate := path.New("l3", "l4")

	d, err := Disjointness(reg, unwanted, candidate, "sw1", "sw4")
	Expect(err).NotTo(HaveOccurred())
	Expect(d).To(Equal(1.0))
}

func TestDisjointnessIdenticalPathScoresZero(t *testing.T) {
	RegisterTestingT(t)
	reg := diamond()
	unwanted := path.New("l1", "l2")

	d, err := Disjointness(reg, unwanted, unwanted, "sw1", "sw4")
	Expect(err).NotTo(HaveOccurred())
	Expect(d).To(Equal(0.0))
}

func TestDisjointCandidatesZeroCutoffYieldsNone(t *testing.T) {
	RegisterTestingT(t)
	reg := diamond()
	candidates, err := DisjointCandidates(context.Background(), pathfinder.New("http://unused"), reg, "sw1", "sw4", path.New("l1", "l2"), "hop", 0)
	Expect(err).NotTo(HaveOccurred())
	Expect(candidates).To(BeEmpty())
}
