package broker_test

import (
	"testing"

	"github.com/getlantern/errors"
	"github.com/stretchr/testify/require"

	"github.com/getlantern/slotd/broker"
	"github.com/getlantern/slotd/model"
)

func startManager(t *testing.T, f *fixture, hosts []string, cfg *broker.Config) *broker.Manager {
	manager, err := broker.NewManager(f.opts())
	require.NoError(t, err)
	require.NoError(t, manager.Start(hosts, cfg))
	t.Cleanup(manager.Stop)
	return manager
}

func TestNewManagerValidation(t *testing.T) {
	_, err := broker.NewManager(&broker.Opts{})
	require.Error(t, err)
}

func TestManagerStartStop(t *testing.T) {
	f := newFixture()
	manager := startManager(t, f, []string{"b.example", "a.example"}, baseConfig())

	require.Equal(t, []string{"a.example", "b.example"}, manager.Hosts())
	require.Equal(t, []string{"upload.a.example", "upload.b.example"}, f.rtr.Addresses())

	// Each host answers independently on its own address.
	fields := fieldValues(discover(t, f, "upload.a.example", "alice@a.example", ""))
	require.Equal(t, model.NSUpload, fields[model.FieldFormType])
	fields = fieldValues(discover(t, f, "upload.b.example", "alice@b.example", ""))
	require.Equal(t, model.NSUpload, fields[model.FieldFormType])

	manager.Stop()
	require.Empty(t, manager.Hosts())
	require.Empty(t, f.rtr.Addresses())
}

func TestManagerStartFailsFast(t *testing.T) {
	f := newFixture()
	f.rtr.FailNextRegister("upload.b.example", errors.New("table full"))

	manager, err := broker.NewManager(f.opts())
	require.NoError(t, err)
	require.Error(t, manager.Start([]string{"a.example", "b.example"}, baseConfig()))

	require.Empty(t, manager.Hosts())
	require.Empty(t, f.rtr.Addresses(), "a failed start must leave nothing registered")
}

func TestManagerDedupesHosts(t *testing.T) {
	f := newFixture()
	manager := startManager(t, f, []string{"A.Example", "a.example", ""}, baseConfig())

	require.Equal(t, []string{"a.example"}, manager.Hosts())
	require.Equal(t, []string{"+upload.a.example"}, f.rtr.Ops())
}

func TestManagerReloadConverges(t *testing.T) {
	f := newFixture()
	cfg := baseConfig()
	cfg.MaxSize = 5000
	manager := startManager(t, f, []string{"a.example"}, cfg)

	next := baseConfig()
	next.MaxSize = 7000
	require.NoError(t, manager.Reload([]string{"a.example", "b.example"}, next))
	require.Equal(t, []string{"a.example", "b.example"}, manager.Hosts())

	// The added host serves and the surviving host answers with the new
	// parameters.
	fields := fieldValues(discover(t, f, "upload.b.example", "alice@b.example", ""))
	require.Equal(t, "7000", fields[model.FieldMaxFileSize])
	fields = fieldValues(discover(t, f, "upload.a.example", "alice@a.example", ""))
	require.Equal(t, "7000", fields[model.FieldMaxFileSize])

	require.NoError(t, manager.Reload([]string{"b.example"}, next))
	require.Equal(t, []string{"b.example"}, manager.Hosts())
	require.Nil(t, f.rtr.Lookup("upload.a.example"), "a removed host's addresses must go away")
	require.NotNil(t, f.rtr.Lookup("upload.b.example"))
}

func TestManagerReloadPartialFailure(t *testing.T) {
	f := newFixture()
	cfg := baseConfig()
	cfg.MaxSize = 5000
	manager := startManager(t, f, []string{"a.example"}, cfg)

	f.rtr.FailNextRegister("upload.c.example", errors.New("table full"))
	next := baseConfig()
	next.MaxSize = 7000
	require.Error(t, manager.Reload([]string{"a.example", "c.example"}, next))

	// The failure is per-host: the survivor still converged.
	require.Equal(t, []string{"a.example"}, manager.Hosts())
	fields := fieldValues(discover(t, f, "upload.a.example", "alice@a.example", ""))
	require.Equal(t, "7000", fields[model.FieldMaxFileSize])

	// A later reload picks the failed host back up.
	require.NoError(t, manager.Reload([]string{"a.example", "c.example"}, next))
	require.Equal(t, []string{"a.example", "c.example"}, manager.Hosts())
	require.NotNil(t, f.rtr.Lookup("upload.c.example"))
}
