package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iot-go-garage/pkg/logger"
)

func recorder(order *[]string, name string, deps ...string) *Func {
	return New(name, deps,
		func(context.Context) error {
			*order = append(*order, "start "+name)
			return nil
		},
		func() error {
			*order = append(*order, "stop "+name)
			return nil
		},
	)
}

func newTestManager() *Manager {
	m := NewManager()
	m.SetLogger(logger.Discard())
	return m
}

func TestStartStopOrder(t *testing.T) {
	var order []string
	m := newTestManager()

	require.NoError(t, m.Register(recorder(&order, "broker")))
	require.NoError(t, m.Register(recorder(&order, "loopback", "broker")))
	require.NoError(t, m.Register(recorder(&order, "attach", "loopback")))
	require.NoError(t, m.Register(recorder(&order, "audit")))

	require.NoError(t, m.StartAll(context.Background()))
	assert.True(t, m.IsStarted("attach"))
	assert.Equal(t, []string{"attach", "audit", "broker", "loopback"}, m.List())

	require.NoError(t, m.StopAll())
	assert.False(t, m.IsStarted("attach"))

	assert.Equal(t, []string{
		"start audit", "start broker", "start loopback", "start attach",
		"stop attach", "stop loopback", "stop broker", "stop audit",
	}, order)
}

func TestRegisterErrors(t *testing.T) {
	m := newTestManager()

	assert.Error(t, m.Register(nil))
	assert.Error(t, m.Register(New("", nil, nil, nil)))
	assert.ErrorContains(t, m.Register(New("sync", []string{"broker"}, nil, nil)), "dependency broker not found")

	require.NoError(t, m.Register(New("broker", nil, nil, nil)))
	assert.ErrorContains(t, m.Register(New("broker", nil, nil, nil)), "already registered")

	_, err := m.Get("missing")
	assert.Error(t, err)
	s, err := m.Get("broker")
	require.NoError(t, err)
	assert.Equal(t, "broker", s.Name())
}

func TestStartFailureStopsStarted(t *testing.T) {
	var order []string
	m := newTestManager()

	require.NoError(t, m.Register(recorder(&order, "broker")))
	require.NoError(t, m.Register(New("sync", []string{"broker"}, func(context.Context) error {
		return errors.New("no loopback")
	}, nil)))

	err := m.StartAll(context.Background())
	assert.ErrorContains(t, err, "failed to start service sync: no loopback")
	assert.Equal(t, []string{"start broker", "stop broker"}, order)
	assert.False(t, m.IsStarted("broker"))
}

func TestStopErrors(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.Register(New("broker", nil, nil, func() error { return errors.New("busy") })))
	require.NoError(t, m.StartAll(context.Background()))

	assert.ErrorContains(t, m.StopAll(), "busy")
	assert.NoError(t, m.StopAll())
}
