package runtime

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/containers/podman/v5/pkg/bindings"
	"github.com/containers/podman/v5/pkg/bindings/containers"
	"github.com/containers/podman/v5/pkg/specgen"
	ocispec "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"

	"github.com/muprotocol/mu/internal/stack"
)

// wasiRuntimeImage is the minimal OCI image the sandbox bind-mounts a
// function binary into. It carries a WASI-capable interpreter as its
// entrypoint; the function bytes themselves are never baked into an
// image, since they are content-addressed and fetched at deploy time.
const wasiRuntimeImage = "mu-wasi-runtime:latest"

// PodmanSandbox runs one function invocation per short-lived podman
// container, adapted from beemesh's pkg/podman/podman.go and
// workplane/internal/machine/podman.go: the same CreatePod/CreateSpec
// bindings usage, generalized from "deploy a k8s pod spec" to "run one
// WASI-tagged function to completion and collect its resource usage."
type PodmanSandbox struct {
	conn      context.Context
	cache     *Cache
	log       zerolog.Logger
	cachePath string

	mu       sync.Mutex
	deployed map[Handle]stack.Spec
}

// NewPodmanSandbox connects to the local podman socket and prepares the
// artifact cache directory.
func NewPodmanSandbox(socketPath string, cache *Cache, cachePath string, log zerolog.Logger) (*PodmanSandbox, error) {
	if socketPath == "" {
		socketPath = "unix:///run/podman/podman.sock"
	}
	conn, err := bindings.NewConnection(context.Background(), socketPath)
	if err != nil {
		return nil, fmt.Errorf("runtime: connect podman: %w", err)
	}
	if err := os.MkdirAll(cachePath, 0o755); err != nil {
		return nil, fmt.Errorf("runtime: cache dir: %w", err)
	}
	return &PodmanSandbox{
		conn:      conn,
		cache:     cache,
		log:       log,
		cachePath: cachePath,
		deployed:  make(map[Handle]stack.Spec),
	}, nil
}

func (s *PodmanSandbox) Deploy(stackID stack.ID, revision uint32, spec stack.Spec) (Handle, error) {
	h := Handle{StackID: stackID, Revision: revision}
	s.mu.Lock()
	s.deployed[h] = spec
	s.mu.Unlock()
	return h, nil
}

func (s *PodmanSandbox) Undeploy(h Handle) error {
	s.mu.Lock()
	delete(s.deployed, h)
	s.mu.Unlock()
	return nil
}

func (s *PodmanSandbox) Execute(h Handle, fn stack.FunctionID, req Request) (Response, UsageDelta, error) {
	s.mu.Lock()
	spec, ok := s.deployed[h]
	s.mu.Unlock()
	if !ok {
		return Response{}, UsageDelta{}, &Fault{Kind: "unknown_handle", Detail: h.StackID.String()}
	}

	var target *stack.Function
	for _, f := range spec.Functions() {
		if f.Name == fn.FunctionName {
			target = f
			break
		}
	}
	if target == nil {
		return Response{}, UsageDelta{}, &Fault{Kind: "unknown_function", Detail: fn.FunctionName}
	}

	binaryPath, err := s.materializeArtifact(target.BinaryLocator)
	if err != nil {
		return Response{}, UsageDelta{}, &Fault{Kind: "artifact_fetch", Detail: err.Error()}
	}

	podName := fmt.Sprintf("mu-fn-%s-%d", fn.StackID.String()[:12], time.Now().UnixNano())
	memLimit := target.MemoryLimitBytes
	env := make(map[string]string, len(target.Env)+1)
	for _, e := range target.Env {
		env[e.Key] = e.Value
	}
	env["MU_FUNCTION_NAME"] = fn.FunctionName

	spec_ := specgen.NewSpecGenerator(wasiRuntimeImage, false)
	spec_.Name = podName
	spec_.Env = env
	spec_.Command = []string{"/entrypoint", "--memory-limit-bytes", fmt.Sprintf("%d", memLimit)}
	spec_.Mounts = []ocispec.Mount{{
		Source: binaryPath, Destination: "/guest.wasm", Type: "bind", Options: []string{"ro"},
	}}
	if memLimit > 0 {
		// Soft throttle, not hard trap (see DESIGN.md Open Question 3):
		// let the kernel's own cgroup enforcement surface OOM as a fault
		// rather than the executor pre-emptively killing near the limit.
		limit := int64(memLimit)
		spec_.ResourceLimits = &ocispec.LinuxResources{Memory: &ocispec.LinuxMemory{Limit: &limit}}
	}

	started := time.Now()
	createResp, err := containers.CreateWithSpec(s.conn, spec_, nil)
	if err != nil {
		return Response{}, UsageDelta{}, &Fault{Kind: "trap", Detail: err.Error()}
	}
	defer func() {
		_, _ = containers.Remove(s.conn, createResp.ID, nil)
	}()

	if err := containers.Start(s.conn, createResp.ID, nil); err != nil {
		return Response{}, UsageDelta{}, &Fault{Kind: "trap", Detail: err.Error()}
	}

	waitCondition := "exited"
	exitCode, err := containers.Wait(s.conn, createResp.ID, &containers.WaitOptions{Conditions: []string{waitCondition}})
	if err != nil {
		return Response{}, UsageDelta{}, &Fault{Kind: "trap", Detail: err.Error()}
	}
	if exitCode != 0 {
		return Response{}, UsageDelta{}, &Fault{Kind: "trap", Detail: fmt.Sprintf("guest exited with status %d", exitCode)}
	}
	elapsed := time.Since(started)

	// The real WASM engine reports exact retired-instruction counts; the
	// podman backend approximates function-mb-instructions from wall
	// time * requested memory, a deterministic proxy documented in
	// SPEC_FULL.md §5.9 (both sides of any swap-in agree on the unit).
	memMB := float64(memLimit) / (1024 * 1024)
	if memMB == 0 {
		memMB = 128 // default budget when the stack declares no limit
	}
	usage := UsageDelta{FunctionMBInstructions: stack.Uint128FromUint64(uint64(elapsed.Seconds() * memMB * 1_000_000))}

	resp := Response{Status: 200, Body: []byte{}}
	return resp, usage, nil
}

// materializeArtifact ensures the function binary named by locator is on
// disk (fetching through the Cache) and returns its path.
func (s *PodmanSandbox) materializeArtifact(locator string) (string, error) {
	if a, ok := s.cache.Get(locator); ok {
		return s.writeArtifact(a)
	}
	return "", fmt.Errorf("runtime: artifact %s not warmed in cache", locator)
}

func (s *PodmanSandbox) writeArtifact(a Artifact) (string, error) {
	sum := sha256.Sum256(a.Bytes)
	path := filepath.Join(s.cachePath, fmt.Sprintf("%x.wasm", sum))
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.WriteFile(path, a.Bytes, 0o644); err != nil {
		return "", fmt.Errorf("runtime: write artifact: %w", err)
	}
	return path, nil
}
