package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tispace-dev/tispace/internal/domain"
)

func newStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := Open(path)
	require.NoError(t, err)
	return s, path
}

func TestOpen_MissingFileStartsEmpty(t *testing.T) {
	s, _ := newStore(t)
	snap := s.Snapshot()
	assert.Empty(t, snap.Users)
	assert.Empty(t, snap.IPs)
}

func TestOpen_CorruptFileStartsEmptyWithoutFailing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s, err := Open(path)
	require.NoError(t, err)
	assert.Empty(t, s.Snapshot().Users)
}

func TestMutate_PersistsAcrossReopen(t *testing.T) {
	s, path := newStore(t)

	err := s.Mutate(func(st *State) bool {
		u := st.EnsureUser("alice")
		u.Instances = append(u.Instances, &domain.Instance{Name: "dev1", Owner: "alice"})
		return true
	})
	require.NoError(t, err)

	reopened, err := Open(path)
	require.NoError(t, err)
	u := reopened.Snapshot().FindUser("alice")
	require.NotNil(t, u)
	assert.NotNil(t, u.FindInstance("dev1"))
}

func TestMutate_FalseReturnDiscardsChanges(t *testing.T) {
	s, _ := newStore(t)

	err := s.Mutate(func(st *State) bool {
		st.EnsureUser("alice")
		return false
	})
	require.NoError(t, err)
	assert.Nil(t, s.Snapshot().FindUser("alice"))
}

func TestSnapshot_IsADeepCopy(t *testing.T) {
	s, _ := newStore(t)
	require.NoError(t, s.Mutate(func(st *State) bool {
		st.EnsureUser("alice").Instances = append(st.EnsureUser("alice").Instances, &domain.Instance{Name: "dev1", CPU: 2})
		return true
	}))

	snap := s.Snapshot()
	snap.FindUser("alice").FindInstance("dev1").CPU = 99

	fresh := s.Snapshot()
	assert.Equal(t, 2, fresh.FindUser("alice").FindInstance("dev1").CPU)
}

func TestEnsureUser_InsertsInSortedOrder(t *testing.T) {
	st := &State{}
	st.EnsureUser("bob")
	st.EnsureUser("alice")
	st.EnsureUser("carl")

	names := make([]string, len(st.Users))
	for i, u := range st.Users {
		names[i] = u.Name
	}
	assert.Equal(t, []string{"alice", "bob", "carl"}, names)
}

func TestReleaseIP_DropsOnlyTheGivenAddress(t *testing.T) {
	st := &State{IPs: []string{"10.0.0.1", "10.0.0.2", "10.0.0.1"}}
	st.ReleaseIP("10.0.0.1")
	assert.Equal(t, []string{"10.0.0.2"}, st.IPs)
}

func TestReleaseIP_EmptyOrUnheldIsANoOp(t *testing.T) {
	st := &State{IPs: []string{"10.0.0.1"}}
	st.ReleaseIP("")
	st.ReleaseIP("10.0.0.9")
	assert.Equal(t, []string{"10.0.0.1"}, st.IPs)
}

func TestRemoveInstance(t *testing.T) {
	u := &User{Instances: []*domain.Instance{{Name: "a"}, {Name: "b"}}}
	u.RemoveInstance("a")
	require.Len(t, u.Instances, 1)
	assert.Equal(t, "b", u.Instances[0].Name)
}

func TestAllInstances_SortedByOwnerThenName(t *testing.T) {
	st := &State{}
	st.EnsureUser("bob").Instances = append(st.EnsureUser("bob").Instances, &domain.Instance{Owner: "bob", Name: "z"})
	st.EnsureUser("alice").Instances = append(st.EnsureUser("alice").Instances, &domain.Instance{Owner: "alice", Name: "b"})
	st.EnsureUser("alice").Instances = append(st.EnsureUser("alice").Instances, &domain.Instance{Owner: "alice", Name: "a"})

	all := st.AllInstances()
	require.Len(t, all, 3)
	assert.Equal(t, "alice/a", all[0].Owner+"/"+all[0].Name)
	assert.Equal(t, "alice/b", all[1].Owner+"/"+all[1].Name)
	assert.Equal(t, "bob/z", all[2].Owner+"/"+all[2].Name)
}
