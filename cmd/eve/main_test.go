package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/askcs/eve/pkg/eveconfig"
	"github.com/askcs/eve/pkg/state/filestate"
)

func TestVersionCommandPrintsVersion(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	require.Contains(t, out.String(), Version)
}

func TestNewAgentFactoryBuildsKnownClasses(t *testing.T) {
	store, err := filestate.New(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	factory := newAgentFactory(store)

	a, err := factory("ping-1", "pingAgent")
	require.NoError(t, err)
	require.Equal(t, "ping-1", a.Name())

	b, err := factory("counter-1", "counterAgent")
	require.NoError(t, err)
	require.Equal(t, "counter-1", b.Name())

	_, err = factory("x", "unknownAgent")
	require.Error(t, err)
}

func TestBuildStoreRejectsUnknownBackend(t *testing.T) {
	_, err := buildStore(eveconfig.StateConfig{Backend: "memcached"})
	require.Error(t, err)
}

func TestBuildTransportRejectsUnknownClass(t *testing.T) {
	_, err := buildTransport(eveconfig.TransportConfig{Class: "carrier-pigeon"})
	require.Error(t, err)
}
