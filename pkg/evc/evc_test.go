package evc

import (
	"testing"

	. "github.com/onsi/gomega"

	"github.com/everoute/mef-eline/pkg/link"
	"github.com/everoute/mef-eline/pkg/path"
	"github.com/everoute/mef-eline/pkg/registry"
	"github.com/everoute/mef-eline/pkg/uni"
)

func newTestEVC(id string) *EVC {
	uniA, _ := uni.New("sw1:1", uni.NoneTag())
	uniZ, _ := uni.New("sw2:1", uni.NoneTag())
	return New(id, "evc-"+id, uniA, uniZ)
}

func TestNewEVCStartsEnabledInactive(t *testing.T) {
	RegisterTestingT(t)
	e := newTestEVC("1")
	Expect(e.Enabled).To(BeTrue())
	Expect(e.Active).To(BeFalse())
	Expect(e.Archived).To(BeFalse())
}

func TestEnableDisableArchiveTransitions(t *testing.T) {
	RegisterTestingT(t)
	e := newTestEVC("1")

	Expect(e.Disable()).To(Succeed())
	Expect(e.Enabled).To(BeFalse())
	Expect(e.Active).To(BeFalse())

	Expect(e.Enable()).To(Succeed())
	Expect(e.Enabled).To(BeTrue())

	Expect(e.Archive()).To(Succeed())
	Expect(e.Archived).To(BeTrue())
	Expect(e.Enabled).To(BeFalse())
	Expect(e.Active).To(BeFalse())

	Expect(e.Enable()).To(MatchError(ErrArchived))
	Expect(e.Disable()).To(MatchError(ErrArchived))
}

func TestArchiveClearsAllPathSlots(t *testing.T) {
	RegisterTestingT(t)
	e := newTestEVC("1")
	e.PrimaryPath = path.New("l1")
	e.BackupPath = path.New("l2")
	e.CurrentPath = path.New("l1")
	e.FailoverPath = path.New("l2")

	Expect(e.Archive()).To(Succeed())
	Expect(e.PrimaryPath.IsEmpty()).To(BeTrue())
	Expect(e.BackupPath.IsEmpty()).To(BeTrue())
	Expect(e.CurrentPath.IsEmpty()).To(BeTrue())
	Expect(e.FailoverPath.IsEmpty()).To(BeTrue())
}

func TestIDLow56ParsesHexAndMasks(t *testing.T) {
	RegisterTestingT(t)
	e := newTestEVC("00AABBCCDDEEFF")
	Expect(e.IDLow56()).To(Equal(uint64(0x00AABBCCDDEEFF) & 0x00FF_FFFF_FFFF_FFFF))
}

func TestIDLow56FallsBackToHashForNonHex(t *testing.T) {
	RegisterTestingT(t)
	e := newTestEVC("not-hex-at-all")
	Expect(e.IDLow56()).To(Equal(fnv56("not-hex-at-all")))
}

func TestCookieCarriesPrefix(t *testing.T) {
	RegisterTestingT(t)
	e := newTestEVC("1")
	Expect(e.Cookie() & 0xFF00_0000_0000_0000).To(Equal(uint64(0xaa00_0000_0000_0000)))
}

func TestTryToActivateIntraSwitchRequiresBothInterfacesUp(t *testing.T) {
	RegisterTestingT(t)
	reg := registry.New()
	reg.UpsertSwitch(&registry.Switch{DPID: "sw1"})
	reg.UpsertInterface(&registry.Interface{ID: "sw1:1", SwitchID: "sw1", Status: registry.InterfaceUp})
	reg.UpsertInterface(&registry.Interface{ID: "sw2:1", SwitchID: "sw1", Status: registry.InterfaceDown})

	uniA, _ := uni.New("sw1:1", uni.NoneTag())
	uniZ, _ := uni.New("sw2:1", uni.NoneTag())
	e := New("1", "e", uniA, uniZ)

	Expect(e.TryToActivate(reg)).To(HaveOccurred())
	Expect(e.Active).To(BeFalse())
}

func TestTryToActivateIntraSwitchSucceeds(t *testing.T) {
	RegisterTestingT(t)
	reg := registry.New()
	reg.UpsertSwitch(&registry.Switch{DPID: "sw1"})
	reg.UpsertInterface(&registry.Interface{ID: "sw1:1", SwitchID: "sw1", Status: registry.InterfaceUp})
	reg.UpsertInterface(&registry.Interface{ID: "sw2:1", SwitchID: "sw1", Status: registry.InterfaceUp})

	uniA, _ := uni.New("sw1:1", uni.NoneTag())
	uniZ, _ := uni.New("sw2:1", uni.NoneTag())
	e := New("1", "e", uniA, uniZ)

	Expect(e.TryToActivate(reg)).To(Succeed())
	Expect(e.Active).To(BeTrue())
}

func TestTryToActivateInterSwitchRequiresPathUp(t *testing.T) {
	RegisterTestingT(t)
	reg := registry.New()
	reg.UpsertSwitch(&registry.Switch{DPID: "sw1"})
	reg.UpsertSwitch(&registry.Switch{DPID: "sw2"})
	reg.UpsertInterface(&registry.Interface{ID: "sw1:1", SwitchID: "sw1", Status: registry.InterfaceUp})
	reg.UpsertInterface(&registry.Interface{ID: "sw2:1", SwitchID: "sw2", Status: registry.InterfaceUp})

	uniA, _ := uni.New("sw1:1", uni.NoneTag())
	uniZ, _ := uni.New("sw2:1", uni.NoneTag())
	e := New("1", "e", uniA, uniZ)

	Expect(e.TryToActivate(reg)).To(HaveOccurred())

	l := link.New("l1", "sw1:2", "sw2:2")
	reg.UpsertLink(l)
	reg.UpsertInterface(&registry.Interface{ID: "sw1:2", SwitchID: "sw1", Status: registry.InterfaceUp, LinkID: "l1"})
	reg.UpsertInterface(&registry.Interface{ID: "sw2:2", SwitchID: "sw2", Status: registry.InterfaceUp, LinkID: "l1"})
	e.CurrentPath = path.New("l1")

	Expect(e.TryToActivate(reg)).To(Succeed())
}

func TestShouldDeploy(t *testing.T) {
	RegisterTestingT(t)
	e := newTestEVC("1")
	Expect(e.ShouldDeploy(nil)).To(BeTrue())

	e.Active = true
	Expect(e.ShouldDeploy(nil)).To(BeFalse())

	p := path.New("l1")
	Expect(e.ShouldDeploy(&p)).To(BeTrue())

	e.CurrentPath = p
	Expect(e.ShouldDeploy(&p)).To(BeFalse())

	Expect(e.Archive()).To(Succeed())
	Expect(e.ShouldDeploy(nil)).To(BeFalse())
}

func TestTryLockIsNonBlocking(t *testing.T) {
	RegisterTestingT(t)
	e := newTestEVC("1")
	Expect(e.TryLock()).To(BeTrue())
	Expect(e.TryLock()).To(BeFalse())
	e.Unlock()
	Expect(e.TryLock()).To(BeTrue())
}
