// Package forwarder defines the PortForward transport contract and ships a
// default implementation over Kubernetes' SPDY port-forward subresource.
// The core's components depend only on the PortForward and Handle
// interfaces; the byte-pumping relay itself is treated as an external
// collaborator, so this default implementation is intentionally the
// simplest thing that satisfies the contract rather than a tuned
// production relay.
package forwarder

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/portforward"
	"k8s.io/client-go/transport/spdy"

	"github.com/jessegoodier/kftray-go/pkg/errcat"
)

// TargetSelector picks which pod a Target resolves to.
type TargetSelector interface{ isTargetSelector() }

// PodLabel selects a pod directly by label selector.
type PodLabel string

func (PodLabel) isTargetSelector() {}

// ServiceName selects the pods backing a Service.
type ServiceName string

func (ServiceName) isTargetSelector() {}

// Target names the remote endpoint a PortForward connects to.
type Target struct {
	Selector  TargetSelector
	Port      uint16
	Namespace string
}

// HTTPLogState is the HTTP traffic logger's handle, passed through to TCP
// forwards untouched; its contents are owned by the external HTTP traffic
// logger and opaque to this package.
type HTTPLogState struct {
	Enabled bool
}

// Handle is the cancellable supervised task a transport start returns.
type Handle interface {
	Abort()
}

// PortForward is the transport contract every Lifecycle Orchestrator
// forward is built from.
type PortForward interface {
	ForwardTCP(ctx context.Context, logState *HTTPLogState) (actualLocalPort uint16, handle Handle, err error)
	ForwardUDP(ctx context.Context) (actualLocalPort uint16, handle Handle, err error)
}

// New resolves target to a pod via clientset and returns a PortForward
// ready to start. localPort == nil (or pointing at 0) requests an ephemeral
// local port.
func New(
	clientset kubernetes.Interface,
	restConfig *rest.Config,
	target Target,
	localPort *uint16,
	localAddress string,
	id int64,
	workloadType string,
) (PortForward, error) {
	if clientset == nil || restConfig == nil {
		return nil, errcat.Cluster.New("k8s client and rest config are required to construct a PortForward")
	}
	podName, err := resolvePod(context.Background(), clientset, target)
	if err != nil {
		return nil, errcat.Cluster.Wrap(err)
	}
	if localAddress == "" {
		localAddress = "127.0.0.1"
	}
	var requested uint16
	if localPort != nil {
		requested = *localPort
	}
	return &portForward{
		clientset:    clientset,
		restConfig:   restConfig,
		target:       target,
		podName:      podName,
		localPort:    requested,
		localAddress: localAddress,
		id:           id,
		workloadType: workloadType,
	}, nil
}

// resolvePod turns a TargetSelector into a single pod name: the first
// running, ready pod, or the first listed pod when none is ready.
func resolvePod(ctx context.Context, clientset kubernetes.Interface, target Target) (string, error) {
	switch sel := target.Selector.(type) {
	case PodLabel:
		pods, err := clientset.CoreV1().Pods(target.Namespace).List(ctx, metav1.ListOptions{
			LabelSelector: string(sel),
		})
		if err != nil {
			return "", fmt.Errorf("listing pods for label %q: %w", sel, err)
		}
		return firstReadyPod(pods.Items, string(sel))
	case ServiceName:
		svc, err := clientset.CoreV1().Services(target.Namespace).Get(ctx, string(sel), metav1.GetOptions{})
		if err != nil {
			return "", fmt.Errorf("getting service %q: %w", sel, err)
		}
		selector := metav1.FormatLabelSelector(&metav1.LabelSelector{MatchLabels: svc.Spec.Selector})
		pods, err := clientset.CoreV1().Pods(target.Namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
		if err != nil {
			return "", fmt.Errorf("listing pods for service %q: %w", sel, err)
		}
		return firstReadyPod(pods.Items, string(sel))
	default:
		return "", fmt.Errorf("unknown target selector %T", sel)
	}
}

func firstReadyPod(pods []corev1.Pod, name string) (string, error) {
	for _, pod := range pods {
		if pod.Status.Phase != corev1.PodRunning {
			continue
		}
		for _, cond := range pod.Status.Conditions {
			if cond.Type == corev1.PodReady && cond.Status == corev1.ConditionTrue {
				return pod.Name, nil
			}
		}
	}
	if len(pods) > 0 {
		return pods[0].Name, nil
	}
	return "", fmt.Errorf("no pod found for %q", name)
}

type portForward struct {
	clientset    kubernetes.Interface
	restConfig   *rest.Config
	target       Target
	podName      string
	localPort    uint16
	localAddress string
	id           int64
	workloadType string
}

// ForwardTCP starts a direct SPDY port-forward to the resolved pod.
func (p *portForward) ForwardTCP(ctx context.Context, _ *HTTPLogState) (uint16, Handle, error) {
	return p.forwardTCP(ctx)
}

// ForwardUDP starts a TCP-carried relay and bridges it to a local UDP
// listener, since the Kubernetes port-forward subresource only carries
// byte streams. The bridge relays one datagram and then one read of the
// reply at a time over a single TCP connection.
func (p *portForward) ForwardUDP(ctx context.Context) (uint16, Handle, error) {
	tcpPort, tcpHandle, err := p.forwardTCP(ctx)
	if err != nil {
		return 0, nil, err
	}
	return newUDPBridge(ctx, p.localAddress, tcpPort, tcpHandle)
}

func (p *portForward) forwardTCP(ctx context.Context) (uint16, Handle, error) {
	req := p.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(p.target.Namespace).
		Name(p.podName).
		SubResource("portforward")

	transport, upgrader, err := spdy.RoundTripperFor(p.restConfig)
	if err != nil {
		return 0, nil, errcat.Transport.Wrap(fmt.Errorf("creating spdy round tripper: %w", err))
	}
	dialer := spdy.NewDialer(upgrader, &http.Client{Transport: transport}, http.MethodPost, req.URL())

	stopCh := make(chan struct{})
	readyCh := make(chan struct{})

	ports := []string{fmt.Sprintf("%d:%d", p.localPort, p.target.Port)}
	fw, err := portforward.NewOnAddresses(dialer, []string{p.localAddress}, ports, stopCh, readyCh, io.Discard, io.Discard)
	if err != nil {
		return 0, nil, errcat.Transport.Wrap(fmt.Errorf("creating port forwarder: %w", err))
	}

	errCh := make(chan error, 1)
	go func() { errCh <- fw.ForwardPorts() }()

	select {
	case <-readyCh:
	case err := <-errCh:
		return 0, nil, errcat.Transport.Wrap(fmt.Errorf("port forward exited before becoming ready: %w", err))
	case <-ctx.Done():
		close(stopCh)
		return 0, nil, errcat.Transport.Wrap(ctx.Err())
	}

	fwdPorts, err := fw.GetPorts()
	if err != nil || len(fwdPorts) == 0 {
		close(stopCh)
		return 0, nil, errcat.Transport.Wrap(fmt.Errorf("no local port bound: %w", err))
	}

	go func() {
		select {
		case <-ctx.Done():
			close(stopCh)
		case <-stopCh:
		}
	}()

	return uint16(fwdPorts[0].Local), &tcpHandle{stopCh: stopCh}, nil
}

type tcpHandle struct {
	stopCh chan struct{}
}

func (h *tcpHandle) Abort() {
	select {
	case <-h.stopCh:
	default:
		close(h.stopCh)
	}
}

// newUDPBridge listens for UDP datagrams on localAddress and relays them
// over a single TCP connection to tcpPort, the port a prior ForwardTCP call
// bound. Closing the returned Handle stops both the bridge and the
// underlying TCP forward.
func newUDPBridge(ctx context.Context, localAddress string, tcpPort uint16, tcpHandle Handle) (uint16, Handle, error) {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:0", localAddress))
	if err != nil {
		tcpHandle.Abort()
		return 0, nil, errcat.Transport.Wrap(err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		tcpHandle.Abort()
		return 0, nil, errcat.Transport.Wrap(err)
	}

	bridgeCtx, cancel := context.WithCancel(ctx)
	b := &udpBridge{conn: conn, tcp: tcpHandle, cancel: cancel}
	go b.pump(bridgeCtx, fmt.Sprintf("%s:%d", localAddress, tcpPort))

	localPort := conn.LocalAddr().(*net.UDPAddr).Port
	return uint16(localPort), b, nil
}

type udpBridge struct {
	conn   *net.UDPConn
	tcp    Handle
	cancel context.CancelFunc
}

func (b *udpBridge) pump(ctx context.Context, tcpAddr string) {
	defer b.conn.Close()
	tcpConn, err := (&net.Dialer{}).DialContext(ctx, "tcp", tcpAddr)
	if err != nil {
		return
	}
	defer tcpConn.Close()

	buf := make([]byte, 65535)
	for {
		if ctx.Err() != nil {
			return
		}
		n, from, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if _, err := tcpConn.Write(buf[:n]); err != nil {
			return
		}
		n, err = tcpConn.Read(buf)
		if err != nil {
			return
		}
		_, _ = b.conn.WriteToUDP(buf[:n], from)
	}
}

func (b *udpBridge) Abort() {
	b.cancel()
	_ = b.conn.Close()
	b.tcp.Abort()
}
