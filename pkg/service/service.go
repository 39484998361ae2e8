package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/iot-go-garage/pkg/logger"
)

// Service is a long running fabricd component
type Service interface {
	Name() string
	// Dependencies names the services that must be running first
	Dependencies() []string
	Start(ctx context.Context) error
	Stop() error
}

// Func adapts a pair of functions to Service
type Func struct {
	name         string
	dependencies []string
	start        func(ctx context.Context) error
	stop         func() error
}

// New creates a service from start and stop functions. Either may be nil.
func New(name string, dependencies []string, start func(ctx context.Context) error, stop func() error) *Func {
	return &Func{name: name, dependencies: dependencies, start: start, stop: stop}
}

func (f *Func) Name() string { return f.name }

func (f *Func) Dependencies() []string { return f.dependencies }

func (f *Func) Start(ctx context.Context) error {
	if f.start == nil {
		return nil
	}
	return f.start(ctx)
}

func (f *Func) Stop() error {
	if f.stop == nil {
		return nil
	}
	return f.stop()
}

// Manager starts services in dependency order and stops them in reverse
type Manager struct {
	services map[string]Service
	mutex    sync.RWMutex
	started  []string
	logger   *logrus.Entry
}

// NewManager creates a new service manager
func NewManager() *Manager {
	return &Manager{
		services: make(map[string]Service),
		logger:   logger.For("service"),
	}
}

// SetLogger sets the logger for the service manager
func (m *Manager) SetLogger(logger *logrus.Entry) {
	m.logger = logger
}

// Register registers a service. Its dependencies must already be registered.
func (m *Manager) Register(service Service) error {
	if service == nil {
		return fmt.Errorf("service cannot be nil")
	}

	name := service.Name()
	if name == "" {
		return fmt.Errorf("service name cannot be empty")
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, exists := m.services[name]; exists {
		return fmt.Errorf("service %s already registered", name)
	}

	for _, dep := range service.Dependencies() {
		if _, exists := m.services[dep]; !exists {
			return fmt.Errorf("dependency %s not found for service %s", dep, name)
		}
	}

	m.services[name] = service
	m.logger.Debugf("Registered service: %s", name)
	return nil
}

// Get gets a service by name
func (m *Manager) Get(name string) (Service, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	service, exists := m.services[name]
	if !exists {
		return nil, fmt.Errorf("service %s not found", name)
	}
	return service, nil
}

// List returns all registered service names, sorted
func (m *Manager) List() []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.sortedNames()
}

func (m *Manager) sortedNames() []string {
	names := make([]string, 0, len(m.services))
	for name := range m.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StartAll starts every service after its dependencies. When one fails the
// services already started are stopped again.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if len(m.started) > 0 {
		return fmt.Errorf("services already started")
	}

	names := m.sortedNames()
	started := make(map[string]bool)

	for len(started) < len(names) {
		progress := false

		for _, name := range names {
			if started[name] {
				continue
			}

			service := m.services[name]
			canStart := true
			for _, dep := range service.Dependencies() {
				if !started[dep] {
					canStart = false
					break
				}
			}
			if !canStart {
				continue
			}

			m.logger.Infof("Starting service: %s", name)
			if err := service.Start(ctx); err != nil {
				m.stopStarted()
				return fmt.Errorf("failed to start service %s: %w", name, err)
			}
			m.started = append(m.started, name)
			started[name] = true
			progress = true
		}

		if !progress {
			m.stopStarted()
			return fmt.Errorf("circular dependency detected in services")
		}
	}

	return nil
}

// StopAll stops the running services in reverse start order
func (m *Manager) StopAll() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.stopStarted()
}

func (m *Manager) stopStarted() error {
	var errs []error
	for i := len(m.started) - 1; i >= 0; i-- {
		name := m.started[i]
		m.logger.Infof("Stopping service: %s", name)
		if err := m.services[name].Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop service %s: %w", name, err))
		}
	}
	m.started = nil

	if len(errs) > 0 {
		return fmt.Errorf("errors stopping services: %w", errors.Join(errs...))
	}
	return nil
}

// IsStarted checks if a service is running
func (m *Manager) IsStarted(name string) bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	for _, s := range m.started {
		if s == name {
			return true
		}
	}
	return false
}
