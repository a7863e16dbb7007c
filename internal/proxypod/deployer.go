// Package proxypod implements the Proxy Pod Deployer (C4): templating a
// helper pod, creating it, waiting for readiness, and cleaning it up on any
// partial failure.
package proxypod

import (
	"context"
	"fmt"
	"os/user"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/datawire/dlib/dlog"

	"github.com/jessegoodier/kftray-go/internal/manifest"
	"github.com/jessegoodier/kftray-go/internal/metrics"
	"github.com/jessegoodier/kftray-go/pkg/errcat"
)

var nonAlphanumeric = regexp.MustCompile(`[^a-zA-Z0-9]`)

// ReadyTimeout bounds how long DeployAndForward's caller waits for a helper
// pod to reach Ready before the readiness wait is abandoned and the pod is
// rolled back.
const ReadyTimeout = 60 * time.Second

// CleanupPrefix returns the prefix shared by every helper pod this user's
// proxy deployments create, used both by StopAll's sweep and StopProxy's
// direct lookup so the two teardown paths can never drift apart.
func CleanupPrefix(username string) string {
	return fmt.Sprintf("kftray-forward-%s", username)
}

// ConfigIDLabel returns the "config_id=<id>" selector used both to label a
// helper pod at creation and to find it again at teardown.
func ConfigIDLabel(id int64) string {
	return fmt.Sprintf("config_id=%d", id)
}

// CurrentUser returns the OS username, lowercased with non-alphanumeric
// characters stripped, suitable for embedding in a helper pod name.
func CurrentUser() string {
	u, err := user.Current()
	name := "unknown"
	if err == nil && u.Username != "" {
		name = u.Username
	}
	return nonAlphanumeric.ReplaceAllString(strings.ToLower(name), "")
}

// HashedName builds the kftray-forward-<user>-<proto>-<unix-seconds>-<6alnum>
// helper pod name.
func HashedName(username, protocol string, unixSeconds int64) string {
	cleanUser := nonAlphanumeric.ReplaceAllString(strings.ToLower(username), "")
	suffix := strings.ToLower(strings.ReplaceAll(uuid.New().String(), "-", ""))[:6]
	return strings.ToLower(fmt.Sprintf("kftray-forward-%s-%s-%d-%s", cleanUser, strings.ToLower(protocol), unixSeconds, suffix))
}

// Deployer creates, waits for, and tears down proxy helper pods.
type Deployer struct {
	Clientset kubernetes.Interface
	Namespace string
}

// NewDeployer returns a Deployer that creates pods in namespace via
// clientset.
func NewDeployer(clientset kubernetes.Interface, namespace string) *Deployer {
	return &Deployer{Clientset: clientset, Namespace: namespace}
}

// Create submits pod for creation in d.Namespace.
func (d *Deployer) Create(ctx context.Context, pod *corev1.Pod) error {
	_, err := d.Clientset.CoreV1().Pods(d.Namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return errcat.Cluster.Wrap(fmt.Errorf("creating helper pod %s: %w", pod.Name, err))
	}
	metrics.HelperPodsDeployed.Inc()
	return nil
}

// WaitReady polls pod name until it reports Ready, or ctx/ReadyTimeout
// expires, using exponential backoff rather than a fixed poll interval.
func (d *Deployer) WaitReady(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, ReadyTimeout)
	defer cancel()

	bo := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(250*time.Millisecond),
		backoff.WithMaxInterval(2*time.Second),
	), ctx)

	return backoff.Retry(func() error {
		pod, err := d.Clientset.CoreV1().Pods(d.Namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return errcat.Cluster.Wrap(err)
		}
		for _, cond := range pod.Status.Conditions {
			if cond.Type == corev1.PodReady && cond.Status == corev1.ConditionTrue {
				return nil
			}
		}
		return fmt.Errorf("pod %s not ready yet", name)
	}, bo)
}

// Delete removes name with grace period 0.
func (d *Deployer) Delete(ctx context.Context, name string) error {
	return d.DeleteIn(ctx, d.Namespace, name)
}

// DeleteIn removes name in namespace with grace period 0 and background
// propagation, matching StopProxy's direct path.
func (d *Deployer) DeleteIn(ctx context.Context, namespace, name string) error {
	grace := int64(0)
	policy := metav1.DeletePropagationBackground
	err := d.Clientset.CoreV1().Pods(namespace).Delete(ctx, name, metav1.DeleteOptions{
		GracePeriodSeconds: &grace,
		PropagationPolicy:  &policy,
	})
	if err != nil {
		return errcat.Cluster.Wrap(fmt.Errorf("deleting helper pod %s: %w", name, err))
	}
	metrics.HelperPodsDeleted.Inc()
	return nil
}

// ListByConfigID returns every pod in namespace labeled with configID,
// used by StopProxy's lookup.
func (d *Deployer) ListByConfigID(ctx context.Context, namespace string, configID int64) ([]corev1.Pod, error) {
	pods, err := d.Clientset.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: ConfigIDLabel(configID),
	})
	if err != nil {
		return nil, errcat.Cluster.Wrap(fmt.Errorf("listing helper pods for config %d: %w", configID, err))
	}
	return pods.Items, nil
}

// BuildValues assembles the manifest.Values for a proxy config, defaulting
// remoteAddress to serviceName and localPort to remotePort when either is
// left unset.
func BuildValues(hashedName string, configID *int64, serviceName, remoteAddress string, remotePort, localPort uint16, protocol string) manifest.Values {
	if remoteAddress == "" {
		remoteAddress = serviceName
	}
	if localPort == 0 {
		localPort = remotePort
	}
	idStr := "default"
	if configID != nil {
		idStr = strconv.FormatInt(*configID, 10)
	}
	return manifest.Values{
		HashedName:    hashedName,
		ConfigID:      idStr,
		ServiceName:   serviceName,
		RemoteAddress: remoteAddress,
		RemotePort:    strconv.FormatUint(uint64(remotePort), 10),
		LocalPort:     strconv.FormatUint(uint64(localPort), 10),
		Protocol:      strings.ToLower(protocol),
	}
}

// logDeleteErr logs a best-effort rollback deletion failure; rollback is
// already on the error path, so a second error here must not mask the
// first.
func logDeleteErr(ctx context.Context, name string, err error) {
	if err != nil {
		dlog.Errorf(ctx, "rollback: failed to delete helper pod %s: %v", name, err)
	}
}
