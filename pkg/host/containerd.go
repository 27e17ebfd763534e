package host

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/google/uuid"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// DefaultContainerdNamespace is the namespace this control plane uses
// for every task it launches through containerd.
const DefaultContainerdNamespace = "swgcluster"

// DefaultContainerdSocket is the default containerd socket path.
const DefaultContainerdSocket = "/run/containerd/containerd.sock"

// ContainerdHost launches ProcessTemplate entries whose Runtime is
// types.RuntimeContainerd as containerd tasks instead of bare
// exec.Cmd processes, for templates that need image-based isolation.
// A ChildProcess's "pid" for a containerd-backed process is the PID
// containerd reports for the task's init process, so the rest of the
// control plane (keep-alive tracking, kill messages) never needs to
// know which Host produced it.
type ContainerdHost struct {
	client    *containerd.Client
	namespace string

	mu    sync.Mutex
	tasks map[int]containerd.Task // keyed by task PID
	cmds  map[int]string          // pid -> command line, for ReadCommandLine
}

// NewContainerdHost dials the containerd socket at socketPath (the
// default socket is used when empty).
func NewContainerdHost(socketPath string) (*ContainerdHost, error) {
	if socketPath == "" {
		socketPath = DefaultContainerdSocket
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("host: connect to containerd at %s: %w", socketPath, err)
	}
	return &ContainerdHost{
		client:    client,
		namespace: DefaultContainerdNamespace,
		tasks:     make(map[int]containerd.Task),
		cmds:      make(map[int]string),
	}, nil
}

func (h *ContainerdHost) Close() error {
	return h.client.Close()
}

// Spawn interprets commandLine[0] as an image reference and the
// remainder as the process's argv, matching the catalog format's
// "executable" field doubling as an image name for containerd-backed
// templates.
func (h *ContainerdHost) Spawn(commandLine []string) (int, error) {
	if len(commandLine) == 0 {
		return 0, fmt.Errorf("host: empty command line")
	}
	ctx := namespaces.WithNamespace(context.Background(), h.namespace)

	image, err := h.client.GetImage(ctx, commandLine[0])
	if err != nil {
		image, err = h.client.Pull(ctx, commandLine[0], containerd.WithPullUnpack)
		if err != nil {
			return 0, fmt.Errorf("host: pull image %s: %w", commandLine[0], err)
		}
	}

	id := uuid.NewString()
	// Host networking, not a container network: the spawned worker has
	// to dial this node's supervisor and the cluster head on the
	// addresses the catalog was resolved against.
	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithHostNamespace(specs.NetworkNamespace),
	}
	if len(commandLine) > 1 {
		opts = append(opts, oci.WithProcessArgs(commandLine[1:]...))
	}

	container, err := h.client.NewContainer(
		ctx, id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return 0, fmt.Errorf("host: create container: %w", err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return 0, fmt.Errorf("host: create task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		return 0, fmt.Errorf("host: start task: %w", err)
	}

	pid := int(task.Pid())
	h.mu.Lock()
	h.tasks[pid] = task
	h.cmds[pid] = joinArgs(commandLine)
	h.mu.Unlock()

	go h.awaitExit(task, pid)
	return pid, nil
}

func (h *ContainerdHost) awaitExit(task containerd.Task, pid int) {
	ctx := namespaces.WithNamespace(context.Background(), h.namespace)
	statusCh, err := task.Wait(ctx)
	if err == nil {
		<-statusCh
	}
	h.mu.Lock()
	delete(h.tasks, pid)
	delete(h.cmds, pid)
	h.mu.Unlock()
}

func (h *ContainerdHost) IsAlive(pid int) bool {
	h.mu.Lock()
	task, ok := h.tasks[pid]
	h.mu.Unlock()
	if !ok {
		return false
	}
	ctx := namespaces.WithNamespace(context.Background(), h.namespace)
	status, err := task.Status(ctx)
	if err != nil {
		return false
	}
	return status.Status == containerd.Running || status.Status == containerd.Paused
}

func (h *ContainerdHost) Terminate(pid int) error {
	return h.signal(pid, syscall.SIGKILL)
}

func (h *ContainerdHost) ForceCore(pid int) error {
	return h.signal(pid, syscall.SIGABRT)
}

func (h *ContainerdHost) signal(pid int, sig syscall.Signal) error {
	h.mu.Lock()
	task, ok := h.tasks[pid]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("host: no containerd task for pid %d", pid)
	}
	ctx, cancel := context.WithTimeout(namespaces.WithNamespace(context.Background(), h.namespace), 5*time.Second)
	defer cancel()
	return task.Kill(ctx, sig)
}

func (h *ContainerdHost) ReadCommandLine(pid int) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cmd, ok := h.cmds[pid]
	return cmd, ok
}

func joinArgs(args []string) string {
	out := args[0]
	for _, a := range args[1:] {
		out += " " + a
	}
	return out
}
