package linkdown

import (
	"testing"

	. "github.com/onsi/gomega"

	"github.com/everoute/mef-eline/pkg/evc"
	"github.com/everoute/mef-eline/pkg/path"
	"github.com/everoute/mef-eline/pkg/uni"
)

func newTestEVC(t *testing.T) *evc.EVC {
	t.Helper()
	uniA, _ := uni.New("sw1:1", uni.NoneTag())
	uniZ, _ := uni.New("sw3:1", uni.NoneTag())
	return evc.New("1", "e", uniA, uniZ)
}

func TestClassifyIgnoresUnaffectedEVC(t *testing.T) {
	RegisterTestingT(t)
	e := newTestEVC(t)
	e.CurrentPath = path.New("l1", "l2")
	e.FailoverPath = path.New("l3", "l4")

	Expect(Classify(e, "l9")).To(Equal(CaseIgnore))
}

func TestClassifySwapsWhenFailoverIsClean(t *testing.T) {
	RegisterTestingT(t)
	e := newTestEVC(t)
	e.CurrentPath = path.New("l1", "l2")
	e.FailoverPath = path.New("l3", "l4")

	Expect(Classify(e, "l1")).To(Equal(CaseSwapToFailover))
}

func TestClassifyUndeploysWhenNoFailover(t *testing.T) {
	RegisterTestingT(t)
	e := newTestEVC(t)
	e.CurrentPath = path.New("l1", "l2")

	Expect(Classify(e, "l1")).To(Equal(CaseUndeploy))
}

func TestClassifyUndeploysWhenFailoverAlsoDown(t *testing.T) {
	RegisterTestingT(t)
	e := newTestEVC(t)
	e.CurrentPath = path.New("l1", "l2")
	e.FailoverPath = path.New("l1", "l5")

	Expect(Classify(e, "l1")).To(Equal(CaseUndeploy))
}

func TestClassifyClearsFailoverOnlyLinkDown(t *testing.T) {
	RegisterTestingT(t)
	e := newTestEVC(t)
	e.CurrentPath = path.New("l1", "l2")
	e.FailoverPath = path.New("l3", "l4")

	Expect(Classify(e, "l3")).To(Equal(CaseClearFailover))
}
