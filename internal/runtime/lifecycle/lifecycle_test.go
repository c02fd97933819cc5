package lifecycle

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

var manifest = []string{"./", "./index.html", "./styles.css"}

func update(tag string) UpdateFound {
	return UpdateFound{Tag: tag, Digest: "sha-" + tag, Manifest: manifest}
}

// run folds events through Step and returns the final registration plus
// every effect emitted along the way.
func run(t *testing.T, reg Registration, events ...Event) (Registration, []Effect) {
	t.Helper()
	var all []Effect
	for _, ev := range events {
		var effects []Effect
		reg, effects = Step(reg, ev)
		all = append(all, effects...)
	}
	return reg, all
}

func serialOf(t *testing.T, effects []Effect, tag string) uint64 {
	t.Helper()
	for _, eff := range effects {
		if inst, ok := eff.(Install); ok && inst.Tag == tag {
			return inst.Serial
		}
	}
	t.Fatalf("no install effect for %s in %#v", tag, effects)
	return 0
}

// activeAt returns a registration with tag active and consumers pages on it.
func activeAt(t *testing.T, tag string, consumers int) Registration {
	t.Helper()
	reg, effects := run(t, Registration{}, update(tag))
	reg, _ = run(t, reg,
		InstallFinished{Tag: tag, Serial: serialOf(t, effects, tag)},
		ActivationFinished{Tag: tag},
		ConsumersChanged{Count: consumers},
	)
	require.NotNil(t, reg.Active)
	require.Equal(t, tag, reg.Active.Tag)
	return reg
}

func TestFirstInstallActivatesImmediately(t *testing.T) {
	reg, effects := Step(Registration{}, update("v1"))
	require.Equal(t, StateInstalling, reg.State())
	require.Equal(t, []Effect{
		UpdateFoundNotice{Tag: "v1"},
		StateChanged{Tag: "v1", State: StateInstalling},
		Install{Tag: "v1", Manifest: manifest, Serial: 1},
	}, effects)

	reg, effects = Step(reg, InstallFinished{Tag: "v1", Serial: 1})
	require.Equal(t, []Effect{
		StateChanged{Tag: "v1", State: StateInstalled},
		StateChanged{Tag: "v1", State: StateActivating},
		Purge{Keep: "v1"},
		Promote{Tag: "v1"},
		Claim{Tag: "v1"},
	}, effects)
	require.Nil(t, reg.Installing)
	require.Nil(t, reg.Waiting)
	require.Equal(t, StateActivating, reg.Activating.State)

	reg, effects = Step(reg, ActivationFinished{Tag: "v1"})
	require.Equal(t, []Effect{StateChanged{Tag: "v1", State: StateActive}}, effects)
	require.Equal(t, StateActive, reg.State())
	require.Equal(t, "v1", reg.Active.Tag)
	require.Nil(t, reg.Activating)
}

func TestIdenticalScriptIsNoop(t *testing.T) {
	reg := activeAt(t, "v1", 1)
	next, effects := Step(reg, update("v1"))
	require.Empty(t, effects)
	require.Equal(t, reg, next)
}

func TestReusedTagWithDifferentBytesIsRejected(t *testing.T) {
	reg := activeAt(t, "v1", 1)
	changed := update("v1")
	changed.Digest = "other"

	next, effects := Step(reg, changed)
	require.Equal(t, []Effect{StateChanged{Tag: "v1", State: StateInstallFailed}}, effects)
	require.Equal(t, "sha-v1", next.Active.Digest)
	require.Nil(t, next.Installing)
	require.Equal(t, StateInstallFailed, next.Failed.State)
}

func TestInstallFailureLeavesActiveServing(t *testing.T) {
	reg := activeAt(t, "v1", 2)
	reg, effects := Step(reg, update("v2"))
	serial := serialOf(t, effects, "v2")

	reg, effects = Step(reg, InstallFinished{Tag: "v2", Serial: serial, Err: errors.New("fetch ./styles.css: 503")})
	require.Equal(t, []Effect{
		StateChanged{Tag: "v2", State: StateInstallFailed},
		Discard{Tag: "v2"},
	}, effects)
	require.Equal(t, "v1", reg.Active.Tag)
	require.Nil(t, reg.Installing)
	require.Nil(t, reg.Waiting)
	require.Equal(t, "v2", reg.Failed.Tag)
	for _, eff := range effects {
		_, purge := eff.(Purge)
		require.False(t, purge, "failed install must not purge")
	}
}

func TestFailedInstallIsRetriedOnNextDelivery(t *testing.T) {
	reg := activeAt(t, "v1", 1)
	reg, effects := Step(reg, update("v2"))
	reg, _ = Step(reg, InstallFinished{Tag: "v2", Serial: serialOf(t, effects, "v2"), Err: errors.New("offline")})

	_, effects = Step(reg, update("v2"))
	require.Contains(t, effects, Effect(StateChanged{Tag: "v2", State: StateInstalling}))
}

func TestInstalledVersionWaitsForConsumers(t *testing.T) {
	reg := activeAt(t, "v1", 2)
	reg, effects := Step(reg, update("v2"))
	reg, effects = Step(reg, InstallFinished{Tag: "v2", Serial: serialOf(t, effects, "v2")})

	require.Equal(t, []Effect{StateChanged{Tag: "v2", State: StateInstalled}}, effects)
	require.Equal(t, "v2", reg.Waiting.Tag)
	require.Equal(t, "v1", reg.Active.Tag)

	reg, effects = Step(reg, ConsumersChanged{Count: 1})
	require.Empty(t, effects)

	reg, effects = Step(reg, ConsumersChanged{Count: 0})
	require.Equal(t, []Effect{
		StateChanged{Tag: "v2", State: StateActivating},
		Purge{Keep: "v2"},
		Promote{Tag: "v2"},
		Claim{Tag: "v2"},
	}, effects)

	reg, effects = Step(reg, ActivationFinished{Tag: "v2"})
	require.Equal(t, []Effect{
		StateChanged{Tag: "v1", State: StateRedundant},
		StateChanged{Tag: "v2", State: StateActive},
	}, effects)
	require.Equal(t, "v2", reg.Active.Tag)
}

func TestSkipWaitingActivatesDespiteConsumers(t *testing.T) {
	reg := activeAt(t, "v1", 2)
	reg, effects := Step(reg, update("v2"))
	reg, _ = Step(reg, InstallFinished{Tag: "v2", Serial: serialOf(t, effects, "v2")})

	reg, effects = Step(reg, SkipWaiting{})
	require.Equal(t, []Effect{
		StateChanged{Tag: "v2", State: StateActivating},
		Purge{Keep: "v2"},
		Promote{Tag: "v2"},
		Claim{Tag: "v2"},
	}, effects)
	reg, _ = Step(reg, ActivationFinished{Tag: "v2"})
	require.Equal(t, "v2", reg.Active.Tag)
	require.Equal(t, 2, reg.ActiveConsumers)
}

func TestSkipWaitingDuringInstallAppliesOnceInstalled(t *testing.T) {
	reg := activeAt(t, "v1", 1)
	reg, effects := Step(reg, update("v2"))
	serial := serialOf(t, effects, "v2")

	reg, effects = Step(reg, SkipWaiting{})
	require.Empty(t, effects)
	require.True(t, reg.Installing.SkipWaiting)

	_, effects = Step(reg, InstallFinished{Tag: "v2", Serial: serial})
	require.Contains(t, effects, Effect(Promote{Tag: "v2"}))
}

func TestSkipWaitingScriptActivatesOnInstall(t *testing.T) {
	reg := activeAt(t, "v1", 3)
	ev := update("v2")
	ev.SkipWaiting = true
	reg, effects := Step(reg, ev)

	_, effects = Step(reg, InstallFinished{Tag: "v2", Serial: serialOf(t, effects, "v2")})
	require.Contains(t, effects, Effect(Claim{Tag: "v2"}))
}

func TestSkipWaitingWithoutWaitingVersionIsNoop(t *testing.T) {
	reg := activeAt(t, "v1", 1)
	next, effects := Step(reg, SkipWaiting{})
	require.Empty(t, effects)
	require.Equal(t, reg, next)
}

func TestNewerUpdateSupersedesInFlightInstall(t *testing.T) {
	reg := activeAt(t, "v1", 1)
	reg, effects := Step(reg, update("v2"))
	v2 := serialOf(t, effects, "v2")

	reg, effects = Step(reg, update("v3"))
	require.Equal(t, StateChanged{Tag: "v2", State: StateRedundant}, effects[0])
	v3 := serialOf(t, effects, "v3")
	require.Equal(t, "v3", reg.Installing.Tag)

	reg, effects = Step(reg, InstallFinished{Tag: "v2", Serial: v2})
	require.Equal(t, []Effect{Discard{Tag: "v2"}}, effects)
	require.Equal(t, "v3", reg.Installing.Tag)
	require.Nil(t, reg.Waiting)

	reg, effects = Step(reg, InstallFinished{Tag: "v3", Serial: v3})
	require.Equal(t, []Effect{StateChanged{Tag: "v3", State: StateInstalled}}, effects)
	require.Equal(t, "v3", reg.Waiting.Tag)
}

func TestStaleResultForLiveTagIsIgnored(t *testing.T) {
	reg := activeAt(t, "v1", 1)
	reg, effects := Step(reg, update("v2"))
	first := serialOf(t, effects, "v2")
	reg, effects = Step(reg, update("v3"))
	reg, effects = Step(reg, update("v2"))
	second := serialOf(t, effects, "v2")
	require.NotEqual(t, first, second)

	reg, effects = Step(reg, InstallFinished{Tag: "v2", Serial: first})
	require.Empty(t, effects)
	require.Equal(t, StateInstalling, reg.Installing.State)
}

func TestNewerInstallReplacesWaitingVersion(t *testing.T) {
	reg := activeAt(t, "v1", 1)
	reg, effects := Step(reg, update("v2"))
	reg, _ = Step(reg, InstallFinished{Tag: "v2", Serial: serialOf(t, effects, "v2")})
	reg, effects = Step(reg, update("v3"))

	reg, effects = Step(reg, InstallFinished{Tag: "v3", Serial: serialOf(t, effects, "v3")})
	require.Equal(t, []Effect{
		StateChanged{Tag: "v2", State: StateRedundant},
		Discard{Tag: "v2"},
		StateChanged{Tag: "v3", State: StateInstalled},
	}, effects)
	require.Equal(t, "v3", reg.Waiting.Tag)
}

func TestSkipWaitingDuringActivationIsDeferred(t *testing.T) {
	reg := activeAt(t, "v1", 1)
	reg, effects := Step(reg, update("v2"))
	reg, _ = Step(reg, InstallFinished{Tag: "v2", Serial: serialOf(t, effects, "v2")})
	reg, _ = Step(reg, SkipWaiting{})
	require.Equal(t, "v2", reg.Activating.Tag)

	reg, effects = Step(reg, update("v3"))
	reg, _ = Step(reg, InstallFinished{Tag: "v3", Serial: serialOf(t, effects, "v3")})
	reg, effects = Step(reg, SkipWaiting{})
	require.Empty(t, effects)
	require.True(t, reg.Waiting.SkipWaiting)

	reg, effects = Step(reg, ActivationFinished{Tag: "v2"})
	require.Equal(t, []Effect{
		StateChanged{Tag: "v1", State: StateRedundant},
		StateChanged{Tag: "v2", State: StateActive},
		StateChanged{Tag: "v3", State: StateActivating},
		Purge{Keep: "v3"},
		Promote{Tag: "v3"},
		Claim{Tag: "v3"},
	}, effects)
	require.Equal(t, "v3", reg.Activating.Tag)
}

func TestActivationFinishedForUnknownTagIsIgnored(t *testing.T) {
	reg := activeAt(t, "v1", 0)
	next, effects := Step(reg, ActivationFinished{Tag: "v9"})
	require.Empty(t, effects)
	require.Equal(t, reg, next)
}

func TestRestoreAdoptsStoredGeneration(t *testing.T) {
	reg, effects := Step(Registration{}, Restore{Tag: "v12", Digest: "d", Manifest: manifest})
	require.Equal(t, []Effect{
		Purge{Keep: "v12"},
		Promote{Tag: "v12"},
		StateChanged{Tag: "v12", State: StateActive},
	}, effects)
	require.Equal(t, "v12", reg.Active.Tag)

	_, effects = Step(reg, UpdateFound{Tag: "v12", Digest: "d", Manifest: manifest})
	require.Empty(t, effects)

	_, effects = Step(reg, Restore{Tag: "v13"})
	require.Empty(t, effects)
}

func TestStepDoesNotMutateInput(t *testing.T) {
	reg := activeAt(t, "v1", 1)
	reg, effects := Step(reg, update("v2"))
	before := reg.Clone()

	_, _ = Step(reg, InstallFinished{Tag: "v2", Serial: serialOf(t, effects, "v2")})
	_, _ = Step(reg, SkipWaiting{})
	require.Equal(t, before, reg)
}

func TestNegativeConsumerCountClamps(t *testing.T) {
	reg, _ := Step(Registration{}, ConsumersChanged{Count: -3})
	require.Equal(t, 0, reg.ActiveConsumers)
}

func TestRegistrationStateSummary(t *testing.T) {
	require.Equal(t, StateUninstalled, Registration{}.State())
	require.Equal(t, StateInstallFailed, Registration{Failed: &Version{Tag: "v1"}}.State())
	require.Equal(t, StateInstalled, Registration{Waiting: &Version{Tag: "v1"}}.State())
}
