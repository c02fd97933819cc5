package messaging

import (
	"fmt"
	"sync"
)

// Page is the page side of the update handshake:
//
//	registered with a waiting version  -> send skipWaiting
//	updatefound                        -> remember the installing version
//	statechange installed for it       -> send skipWaiting (controlled pages only)
//	controllerchange                   -> reload, at most once
//
// Reloading on controllerchange rather than on installed keeps a page from
// rendering old HTML against a new generation of static assets.
type Page struct {
	send   func(Command) error
	reload func()

	mu         sync.Mutex
	controller string
	installing string
	reloads    int
}

// NewPage builds a page driver. send delivers a command to the worker; reload
// is invoked when the page must reload.
func NewPage(send func(Command) error, reload func()) *Page {
	return &Page{send: send, reload: reload}
}

// Handle applies one signal.
func (p *Page) Handle(sig Signal) error {
	p.mu.Lock()
	var skip, reload bool
	switch sig.Kind {
	case SignalRegistered:
		p.controller = sig.Active
		skip = sig.Waiting != ""
	case SignalUpdateFound:
		p.installing = sig.Version
	case SignalStateChange:
		skip = sig.Version != "" && sig.Version == p.installing && sig.State == "installed" && p.controller != ""
	case SignalControllerChange:
		p.controller = sig.Version
		if p.reloads == 0 {
			p.reloads++
			reload = true
		}
	default:
		p.mu.Unlock()
		return fmt.Errorf("messaging: unknown signal %q", sig.Kind)
	}
	p.mu.Unlock()

	if skip && p.send != nil {
		if err := p.send(CommandSkipWaiting); err != nil {
			return fmt.Errorf("messaging: send skipWaiting: %w", err)
		}
	}
	if reload && p.reload != nil {
		p.reload()
	}
	return nil
}

// Controller returns the version the page believes controls it.
func (p *Page) Controller() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.controller
}

// Reloads returns how many times the page reloaded.
func (p *Page) Reloads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reloads
}
