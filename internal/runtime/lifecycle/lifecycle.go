// Package lifecycle models the install/activate state machine of the worker as
// a pure transition function. Step never performs I/O; it returns the next
// registration together with the effects the caller must execute, in order.
package lifecycle

import "slices"

// State is the lifecycle state of one worker version.
type State string

const (
	StateUninstalled   State = "uninstalled"
	StateInstalling    State = "installing"
	StateInstalled     State = "installed"
	StateActivating    State = "activating"
	StateActive        State = "active"
	StateInstallFailed State = "install-failed"
	StateRedundant     State = "redundant"
)

// Version is one deployed worker script. Serial identifies the install
// attempt so a result that arrives after its version was superseded can be
// told apart from the current one.
type Version struct {
	Tag         string   `json:"version"`
	Digest      string   `json:"digest"`
	Manifest    []string `json:"manifest,omitempty"`
	State       State    `json:"state"`
	SkipWaiting bool     `json:"skipWaiting,omitempty"`
	Serial      uint64   `json:"serial"`
}

func (v *Version) clone() *Version {
	if v == nil {
		return nil
	}
	out := *v
	out.Manifest = slices.Clone(v.Manifest)
	return &out
}

// Registration holds the versions occupying each lifecycle slot. At most one
// version is active at a time.
type Registration struct {
	Installing      *Version `json:"installing,omitempty"`
	Waiting         *Version `json:"waiting,omitempty"`
	Activating      *Version `json:"activating,omitempty"`
	Active          *Version `json:"active,omitempty"`
	Failed          *Version `json:"failed,omitempty"`
	ActiveConsumers int      `json:"activeConsumers"`
	Serial          uint64   `json:"serial"`
}

// Clone deep-copies the registration.
func (r Registration) Clone() Registration {
	out := r
	out.Installing = r.Installing.clone()
	out.Waiting = r.Waiting.clone()
	out.Activating = r.Activating.clone()
	out.Active = r.Active.clone()
	out.Failed = r.Failed.clone()
	return out
}

// State summarises the registration as the state of its controlling version.
func (r Registration) State() State {
	switch {
	case r.Active != nil:
		return StateActive
	case r.Activating != nil:
		return StateActivating
	case r.Waiting != nil:
		return StateInstalled
	case r.Installing != nil:
		return StateInstalling
	case r.Failed != nil:
		return StateInstallFailed
	default:
		return StateUninstalled
	}
}

// live reports whether tag names a version still holding a slot.
func (r Registration) live(tag string) bool {
	for _, v := range []*Version{r.Installing, r.Waiting, r.Activating, r.Active} {
		if v != nil && v.Tag == tag {
			return true
		}
	}
	return false
}

// Event is an input to Step.
type Event interface{ event() }

// UpdateFound reports a deployed script whose digest differs from the last
// one seen. SkipWaiting marks scripts that activate as soon as they install.
type UpdateFound struct {
	Tag         string
	Digest      string
	Manifest    []string
	SkipWaiting bool
}

// InstallFinished reports the outcome of an Install effect.
type InstallFinished struct {
	Tag    string
	Serial uint64
	Err    error
}

// SkipWaiting is the page command asking a waiting version to activate now.
type SkipWaiting struct{}

// ConsumersChanged reports how many pages the active version controls.
type ConsumersChanged struct {
	Count int
}

// ActivationFinished reports that the Purge, Promote and Claim effects of an
// activation have been executed.
type ActivationFinished struct {
	Tag string
}

// Restore adopts a generation already present in the store as the active
// version, without installing it again.
type Restore struct {
	Tag      string
	Digest   string
	Manifest []string
}

func (UpdateFound) event()        {}
func (InstallFinished) event()    {}
func (SkipWaiting) event()        {}
func (ConsumersChanged) event()   {}
func (ActivationFinished) event() {}
func (Restore) event()            {}

// Effect is an instruction returned by Step.
type Effect interface{ effect() }

// Install fetches every manifest entry and commits them as generation Tag.
type Install struct {
	Tag      string
	Manifest []string
	Serial   uint64
}

// Discard deletes generation Tag if it exists.
type Discard struct {
	Tag string
}

// Purge deletes every generation except Keep.
type Purge struct {
	Keep string
}

// Promote makes generation Tag the one fetch routing serves from.
type Promote struct {
	Tag string
}

// Claim makes version Tag the controller of every open page.
type Claim struct {
	Tag string
}

// StateChanged announces that version Tag entered State.
type StateChanged struct {
	Tag   string
	State State
}

// UpdateFoundNotice announces that a new version started installing.
type UpdateFoundNotice struct {
	Tag string
}

func (Install) effect()           {}
func (Discard) effect()           {}
func (Purge) effect()             {}
func (Promote) effect()           {}
func (Claim) effect()             {}
func (StateChanged) effect()      {}
func (UpdateFoundNotice) effect() {}

// Step applies ev to reg. The input registration is not modified.
func Step(reg Registration, ev Event) (Registration, []Effect) {
	next := reg.Clone()
	var effects []Effect

	switch e := ev.(type) {
	case UpdateFound:
		effects = next.updateFound(e)
	case InstallFinished:
		effects = next.installFinished(e)
	case SkipWaiting:
		effects = next.skipWaiting()
	case ConsumersChanged:
		if e.Count < 0 {
			e.Count = 0
		}
		next.ActiveConsumers = e.Count
		if e.Count == 0 {
			effects = next.maybeActivate()
		}
	case ActivationFinished:
		effects = next.activationFinished(e)
	case Restore:
		effects = next.restore(e)
	}
	return next, effects
}

func (r *Registration) updateFound(e UpdateFound) []Effect {
	for _, v := range []*Version{r.Installing, r.Waiting, r.Activating, r.Active} {
		if v == nil || v.Tag != e.Tag {
			continue
		}
		if v.Digest == e.Digest {
			return nil
		}
		// A tag names one script; reusing it for different bytes would
		// rewrite a generation that may already be serving.
		r.Failed = &Version{Tag: e.Tag, Digest: e.Digest, Manifest: slices.Clone(e.Manifest), State: StateInstallFailed}
		return []Effect{StateChanged{Tag: e.Tag, State: StateInstallFailed}}
	}

	var effects []Effect
	if old := r.Installing; old != nil {
		old.State = StateRedundant
		effects = append(effects, StateChanged{Tag: old.Tag, State: StateRedundant})
	}
	r.Serial++
	v := &Version{
		Tag:         e.Tag,
		Digest:      e.Digest,
		Manifest:    slices.Clone(e.Manifest),
		State:       StateInstalling,
		SkipWaiting: e.SkipWaiting,
		Serial:      r.Serial,
	}
	r.Installing = v
	return append(effects,
		UpdateFoundNotice{Tag: v.Tag},
		StateChanged{Tag: v.Tag, State: StateInstalling},
		Install{Tag: v.Tag, Manifest: slices.Clone(v.Manifest), Serial: v.Serial},
	)
}

func (r *Registration) installFinished(e InstallFinished) []Effect {
	v := r.Installing
	if v == nil || v.Serial != e.Serial || v.Tag != e.Tag {
		// Superseded. A committed generation nobody will activate is dropped.
		if e.Err == nil && !r.live(e.Tag) {
			return []Effect{Discard{Tag: e.Tag}}
		}
		return nil
	}
	r.Installing = nil

	if e.Err != nil {
		v.State = StateInstallFailed
		r.Failed = v
		effects := []Effect{StateChanged{Tag: v.Tag, State: StateInstallFailed}}
		if !r.live(v.Tag) {
			effects = append(effects, Discard{Tag: v.Tag})
		}
		return effects
	}

	var effects []Effect
	if old := r.Waiting; old != nil {
		old.State = StateRedundant
		effects = append(effects, StateChanged{Tag: old.Tag, State: StateRedundant})
		if old.Tag != v.Tag {
			effects = append(effects, Discard{Tag: old.Tag})
		}
	}
	v.State = StateInstalled
	r.Waiting = v
	effects = append(effects, StateChanged{Tag: v.Tag, State: StateInstalled})
	return append(effects, r.maybeActivate()...)
}

func (r *Registration) skipWaiting() []Effect {
	switch {
	case r.Waiting != nil:
		r.Waiting.SkipWaiting = true
		return r.maybeActivate()
	case r.Installing != nil:
		r.Installing.SkipWaiting = true
	}
	return nil
}

// maybeActivate starts activating the waiting version when nothing holds it
// back: no active version, a skip-waiting request, or no pages left on the
// active version. Only one activation runs at a time.
func (r *Registration) maybeActivate() []Effect {
	v := r.Waiting
	if v == nil || r.Activating != nil {
		return nil
	}
	if r.Active != nil && !v.SkipWaiting && r.ActiveConsumers > 0 {
		return nil
	}
	r.Waiting = nil
	v.State = StateActivating
	r.Activating = v
	return []Effect{
		StateChanged{Tag: v.Tag, State: StateActivating},
		Purge{Keep: v.Tag},
		Promote{Tag: v.Tag},
		Claim{Tag: v.Tag},
	}
}

func (r *Registration) activationFinished(e ActivationFinished) []Effect {
	v := r.Activating
	if v == nil || v.Tag != e.Tag {
		return nil
	}
	var effects []Effect
	if old := r.Active; old != nil && old.Tag != v.Tag {
		old.State = StateRedundant
		effects = append(effects, StateChanged{Tag: old.Tag, State: StateRedundant})
	}
	v.State = StateActive
	r.Active = v
	r.Activating = nil
	effects = append(effects, StateChanged{Tag: v.Tag, State: StateActive})
	return append(effects, r.maybeActivate()...)
}

func (r *Registration) restore(e Restore) []Effect {
	if r.Active != nil || r.Activating != nil || r.Waiting != nil || r.Installing != nil {
		return nil
	}
	r.Active = &Version{Tag: e.Tag, Digest: e.Digest, Manifest: slices.Clone(e.Manifest), State: StateActive}
	return []Effect{
		Purge{Keep: e.Tag},
		Promote{Tag: e.Tag},
		StateChanged{Tag: e.Tag, State: StateActive},
	}
}
