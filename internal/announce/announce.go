// Package announce advertises a running manager on the local network and
// lets callers find advertised managers.
package announce

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/grandcat/zeroconf"

	"github.com/mattjoyce/fanout/internal/log"
)

var (
	// ErrAlreadyAnnounced is returned by Announce while an advertisement is active.
	ErrAlreadyAnnounced = errors.New("announcement already active")
	// ErrClosed is returned by Announce after Close.
	ErrClosed = errors.New("announcer closed")
)

// Handle is an active advertisement.
type Handle interface {
	Stop()
}

// Registrar publishes one advertisement.
type Registrar interface {
	Register(instance, service, domain string, port int, txt []string) (Handle, error)
}

// Service describes what gets advertised.
type Service struct {
	Instance string
	Type     string // e.g. _fanout._tcp
	Domain   string
	Port     int
	TXT      []string
}

// ServiceType derives the DNS-SD service type from a URL scheme.
func ServiceType(scheme string) string {
	return "_" + scheme + "._tcp"
}

// InstanceName is the advertised instance name for a manager id.
func InstanceName(id string) string {
	return "fanout_manager_" + id
}

// Announcer owns at most one outstanding advertisement.
type Announcer struct {
	registrar Registrar
	svc       Service
	logger    *slog.Logger

	mu     sync.Mutex
	handle Handle
	closed bool
}

// New creates an Announcer. Nothing is advertised until Announce is called.
func New(registrar Registrar, svc Service) *Announcer {
	if svc.Domain == "" {
		svc.Domain = "local."
	}
	return &Announcer{
		registrar: registrar,
		svc:       svc,
		logger:    log.WithComponent("announce"),
	}
}

// Service returns the advertised service description.
func (a *Announcer) Service() Service { return a.svc }

// Announce registers the advertisement.
func (a *Announcer) Announce() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	if a.handle != nil {
		return ErrAlreadyAnnounced
	}
	h, err := a.registrar.Register(a.svc.Instance, a.svc.Type, a.svc.Domain, a.svc.Port, a.svc.TXT)
	if err != nil {
		return fmt.Errorf("register %s.%s: %w", a.svc.Instance, a.svc.Type, err)
	}
	a.handle = h
	a.logger.Debug("announced", "instance", a.svc.Instance, "service", a.svc.Type, "port", a.svc.Port)
	return nil
}

// Stop withdraws the advertisement. It is a no-op when nothing is announced.
func (a *Announcer) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopLocked()
}

// Close withdraws the advertisement for good. Later calls to Announce,
// including the re-announce of a SuspendAround still in flight, return
// ErrClosed.
func (a *Announcer) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.stopLocked()
}

func (a *Announcer) stopLocked() {
	if a.handle == nil {
		return
	}
	a.handle.Stop()
	a.handle = nil
	a.logger.Debug("announcement withdrawn", "instance", a.svc.Instance)
}

// Active reports whether an advertisement is currently registered.
func (a *Announcer) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.handle != nil
}

// Handle returns the current advertisement handle, or nil.
func (a *Announcer) Handle() Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.handle
}

// SuspendAround withdraws the advertisement, runs fn and announces again.
// The re-announce happens on every exit path of fn, including a panic.
// A re-announce failure is joined to fn's error. Once the announcer is
// closed the re-announce is skipped.
func (a *Announcer) SuspendAround(fn func() error) (err error) {
	a.Stop()
	defer func() {
		aerr := a.Announce()
		if errors.Is(aerr, ErrClosed) {
			a.logger.Debug("announcer closed, not re-announcing", "instance", a.svc.Instance)
			return
		}
		if aerr != nil && !errors.Is(aerr, ErrAlreadyAnnounced) {
			a.logger.Error("re-announce failed", "error", aerr)
			err = errors.Join(err, aerr)
		}
	}()
	return fn()
}

// ZeroconfRegistrar advertises over mDNS / DNS-SD.
type ZeroconfRegistrar struct{}

func (ZeroconfRegistrar) Register(instance, service, domain string, port int, txt []string) (Handle, error) {
	server, err := zeroconf.Register(instance, service, domain, port, txt, nil)
	if err != nil {
		return nil, err
	}
	return zeroconfHandle{server: server}, nil
}

type zeroconfHandle struct {
	server *zeroconf.Server
}

func (h zeroconfHandle) Stop() { h.server.Shutdown() }

// NopRegistrar is used when discovery is disabled. Its handles do nothing.
type NopRegistrar struct{}

func (NopRegistrar) Register(string, string, string, int, []string) (Handle, error) {
	return nopHandle{}, nil
}

type nopHandle struct{}

func (nopHandle) Stop() {}
