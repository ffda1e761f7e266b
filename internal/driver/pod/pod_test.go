package pod_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/tispace-dev/tispace/internal/domain"
	"github.com/tispace-dev/tispace/internal/driver"
	"github.com/tispace-dev/tispace/internal/driver/pod"
)

func newDriver(t *testing.T) (*pod.Driver, *fake.Clientset) {
	t.Helper()
	client := fake.NewSimpleClientset()
	return &pod.Driver{
		Client:                 client,
		Namespace:              "tispace",
		StorageClassName:       "openebs-lvm",
		RootfsBootstrapImage:   "tispace/rootfs-bootstrap:latest",
		CPUOvercommitFactor:    2,
		MemoryOvercommitFactor: 1,
	}, client
}

func testInstance() *domain.Instance {
	return &domain.Instance{
		Owner:     "alice",
		Name:      "dev1",
		CPU:       4,
		MemoryGiB: 8,
		DiskGiB:   40,
		Image:     domain.ImageUbuntu2204,
		Runtime:   domain.RuntimeRunc,
	}
}

func TestEnsure_CreatesPodPVCAndService(t *testing.T) {
	d, client := newDriver(t)
	inst := testInstance()

	require.NoError(t, d.Ensure(context.Background(), inst))

	_, err := client.CoreV1().Pods("tispace").Get(context.Background(), "tispace-alice-dev1", metav1.GetOptions{})
	assert.NoError(t, err)
	_, err = client.CoreV1().PersistentVolumeClaims("tispace").Get(context.Background(), "tispace-alice-dev1", metav1.GetOptions{})
	assert.NoError(t, err)
	_, err = client.CoreV1().Services("tispace").Get(context.Background(), "tispace-alice-dev1", metav1.GetOptions{})
	assert.NoError(t, err)
}

func TestEnsure_Idempotent(t *testing.T) {
	d, _ := newDriver(t)
	inst := testInstance()

	require.NoError(t, d.Ensure(context.Background(), inst))
	require.NoError(t, d.Ensure(context.Background(), inst))
}

func TestObserve_Absent(t *testing.T) {
	d, _ := newDriver(t)
	facts, err := d.Observe(context.Background(), testInstance())
	require.NoError(t, err)
	assert.Equal(t, driver.StateAbsent, facts.State)
}

func TestObserve_Running(t *testing.T) {
	d, client := newDriver(t)
	inst := testInstance()
	require.NoError(t, d.Ensure(context.Background(), inst))

	p, err := client.CoreV1().Pods("tispace").Get(context.Background(), "tispace-alice-dev1", metav1.GetOptions{})
	require.NoError(t, err)
	p.Status.Phase = corev1.PodRunning
	p.Status.HostIP = "10.1.2.3"
	_, err = client.CoreV1().Pods("tispace").UpdateStatus(context.Background(), p, metav1.UpdateOptions{})
	require.NoError(t, err)

	facts, err := d.Observe(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, driver.StateRunning, facts.State)
	assert.Equal(t, []string{"10.1.2.3"}, facts.Addresses)
}

func TestRemove_DeletesEverything(t *testing.T) {
	d, client := newDriver(t)
	inst := testInstance()
	require.NoError(t, d.Ensure(context.Background(), inst))
	require.NoError(t, d.Remove(context.Background(), inst))

	_, err := client.CoreV1().Pods("tispace").Get(context.Background(), "tispace-alice-dev1", metav1.GetOptions{})
	assert.Error(t, err)
}

func TestRemove_AbsentIsNotAnError(t *testing.T) {
	d, _ := newDriver(t)
	assert.NoError(t, d.Remove(context.Background(), testInstance()))
}
