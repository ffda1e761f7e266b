// Package pod materializes an instance as a container pod, a
// persistent-volume-claim and a NodePort service on a Kubernetes-style
// container orchestrator — the backend for the runc and kata runtimes.
package pod

import (
	"context"
	"fmt"
	"math"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"

	"github.com/tispace-dev/tispace/internal/domain"
	"github.com/tispace-dev/tispace/internal/driver"
	"github.com/tispace-dev/tispace/pkg/apierror"
)

// namePrefix groups every resource this driver owns under one
// well-known prefix, so the pod driver never touches a pod it did not
// create.
const namePrefix = "tispace-"

const rootfsInitingSentinel = "/rootfs/rootfs-initing"

// Driver is the pod-based backend driver.
type Driver struct {
	Client                 kubernetes.Interface
	Namespace              string
	StorageClassName       string
	RootfsBootstrapImage   string
	DefaultRootfsImageTag  string
	CPUOvercommitFactor    float64
	MemoryOvercommitFactor float64
}

var _ driver.Driver = (*Driver)(nil)

func resourceName(inst *domain.Instance) string {
	return fmt.Sprintf("%s%s-%s", namePrefix, inst.Owner, inst.Name)
}

// Ensure creates the pod, PVC and service for inst if they do not
// already exist.
func (d *Driver) Ensure(ctx context.Context, inst *domain.Instance) error {
	name := resourceName(inst)

	if err := d.ensurePVC(ctx, name, inst); err != nil {
		return err
	}
	if err := d.ensureService(ctx, name, inst); err != nil {
		return err
	}
	if err := d.ensurePod(ctx, name, inst); err != nil {
		return err
	}
	return nil
}

func (d *Driver) ensurePVC(ctx context.Context, name string, inst *domain.Instance) error {
	_, err := d.Client.CoreV1().PersistentVolumeClaims(d.Namespace).Get(ctx, name, metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return apierror.BackendTransient(err, "get pvc %s", name)
	}

	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: d.Namespace, Labels: instanceLabels(inst)},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes:      []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			StorageClassName: &d.StorageClassName,
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: *resource.NewQuantity(int64(inst.DiskGiB)<<30, resource.BinarySI),
				},
			},
		},
	}
	if _, err := d.Client.CoreV1().PersistentVolumeClaims(d.Namespace).Create(ctx, pvc, metav1.CreateOptions{}); err != nil {
		if apierrors.IsAlreadyExists(err) {
			return nil
		}
		return apierror.BackendTransient(err, "create pvc %s", name)
	}
	return nil
}

func (d *Driver) ensureService(ctx context.Context, name string, inst *domain.Instance) error {
	_, err := d.Client.CoreV1().Services(d.Namespace).Get(ctx, name, metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return apierror.BackendTransient(err, "get service %s", name)
	}

	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: d.Namespace, Labels: instanceLabels(inst)},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeNodePort,
			Selector: instanceLabels(inst),
			Ports: []corev1.ServicePort{
				{Name: "ssh", Port: 22, TargetPort: intstr.FromInt(22), Protocol: corev1.ProtocolTCP},
			},
		},
	}
	if _, err := d.Client.CoreV1().Services(d.Namespace).Create(ctx, svc, metav1.CreateOptions{}); err != nil {
		if apierrors.IsAlreadyExists(err) {
			return nil
		}
		return apierror.BackendTransient(err, "create service %s", name)
	}
	return nil
}

func (d *Driver) ensurePod(ctx context.Context, name string, inst *domain.Instance) error {
	_, err := d.Client.CoreV1().Pods(d.Namespace).Get(ctx, name, metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return apierror.BackendTransient(err, "get pod %s", name)
	}

	pod := d.buildPod(name, inst)
	if _, err := d.Client.CoreV1().Pods(d.Namespace).Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		if apierrors.IsAlreadyExists(err) {
			return nil
		}
		if apierrors.IsInvalid(err) || apierrors.IsForbidden(err) {
			return apierror.BackendPermanent(err, "pod spec rejected for %s", name)
		}
		return apierror.BackendTransient(err, "create pod %s", name)
	}
	return nil
}

func (d *Driver) buildPod(name string, inst *domain.Instance) *corev1.Pod {
	cpuMilli := int64(math.Ceil(float64(inst.CPU) * 1000 / d.CPUOvercommitFactor))
	memBytes := int64(float64(inst.MemoryGiB)<<30/d.MemoryOvercommitFactor)

	var runtimeClass *string
	if inst.Runtime == domain.RuntimeKata {
		rc := "kata"
		runtimeClass = &rc
	}

	image := string(inst.Image)

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: d.Namespace, Labels: instanceLabels(inst)},
		Spec: corev1.PodSpec{
			RuntimeClassName: runtimeClass,
			InitContainers: []corev1.Container{
				{
					Name:    "rootfs-bootstrap",
					Image:   d.RootfsBootstrapImage,
					Command: []string{"/bin/rootfs-bootstrap", "--image", image, "--sentinel", rootfsInitingSentinel},
					VolumeMounts: []corev1.VolumeMount{
						{Name: "rootfs", MountPath: "/rootfs"},
					},
				},
			},
			Containers: []corev1.Container{
				{
					Name:  "instance",
					Image: image,
					Resources: corev1.ResourceRequirements{
						Requests: corev1.ResourceList{
							corev1.ResourceCPU:    *resource.NewMilliQuantity(cpuMilli, resource.DecimalSI),
							corev1.ResourceMemory: *resource.NewQuantity(memBytes, resource.BinarySI),
						},
						Limits: corev1.ResourceList{
							corev1.ResourceCPU:    *resource.NewMilliQuantity(cpuMilli, resource.DecimalSI),
							corev1.ResourceMemory: *resource.NewQuantity(memBytes, resource.BinarySI),
						},
					},
					VolumeMounts: []corev1.VolumeMount{
						{Name: "rootfs", MountPath: "/rootfs"},
					},
				},
			},
			Volumes: []corev1.Volume{
				{
					Name: "rootfs",
					VolumeSource: corev1.VolumeSource{
						PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: name},
					},
				},
			},
			RestartPolicy: corev1.RestartPolicyAlways,
		},
	}
}

func instanceLabels(inst *domain.Instance) map[string]string {
	return map[string]string{
		"tispace.dev/owner":    inst.Owner,
		"tispace.dev/instance": inst.Name,
	}
}

// Start is a no-op: a pod with RestartPolicyAlways is already running
// once Ensure succeeds, so Start only needs to confirm that (done via
// Observe by the reconciler, not here).
func (d *Driver) Start(ctx context.Context, inst *domain.Instance) error {
	return nil
}

// Stop deletes the pod but keeps the PVC, so a subsequent Start
// re-creates it against the same rootfs.
func (d *Driver) Stop(ctx context.Context, inst *domain.Instance) error {
	name := resourceName(inst)
	err := d.Client.CoreV1().Pods(d.Namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return apierror.BackendTransient(err, "delete pod %s", name)
	}
	return nil
}

// Remove deletes the pod, service and PVC.
func (d *Driver) Remove(ctx context.Context, inst *domain.Instance) error {
	name := resourceName(inst)

	if err := d.Client.CoreV1().Pods(d.Namespace).Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		return apierror.BackendTransient(err, "delete pod %s", name)
	}
	if err := d.Client.CoreV1().Services(d.Namespace).Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		return apierror.BackendTransient(err, "delete service %s", name)
	}
	if err := d.Client.CoreV1().PersistentVolumeClaims(d.Namespace).Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		return apierror.BackendTransient(err, "delete pvc %s", name)
	}
	return nil
}

// Observe reports the pod's phase, mapped to the common enumeration,
// and the node IP / NodePort the instance is reachable on.
func (d *Driver) Observe(ctx context.Context, inst *domain.Instance) (driver.Facts, error) {
	name := resourceName(inst)

	p, err := d.Client.CoreV1().Pods(d.Namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return driver.Facts{State: driver.StateAbsent}, nil
	}
	if err != nil {
		return driver.Facts{}, apierror.BackendTransient(err, "get pod %s", name)
	}

	facts := driver.Facts{}
	switch p.Status.Phase {
	case corev1.PodPending:
		facts.State = driver.StateCreating
	case corev1.PodRunning:
		facts.State = driver.StateRunning
	case corev1.PodSucceeded, corev1.PodFailed:
		facts.State = driver.StateStopped
	default:
		facts.State = driver.StateError
		facts.Message = string(p.Status.Phase)
	}

	if p.Status.HostIP != "" {
		facts.Addresses = []string{p.Status.HostIP}
		if svc, err := d.Client.CoreV1().Services(d.Namespace).Get(ctx, name, metav1.GetOptions{}); err == nil {
			for _, port := range svc.Spec.Ports {
				if port.Name == "ssh" && port.NodePort != 0 {
					facts.SSHPort = int(port.NodePort)
				}
			}
		}
	}
	return facts, nil
}

// Update is only valid while the pod is absent or stopped (Observe
// must report so before the reconciler calls this): it removes the pod
// so the next Ensure recreates it with the new resource requests.
func (d *Driver) Update(ctx context.Context, inst *domain.Instance) error {
	return d.Stop(ctx, inst)
}
