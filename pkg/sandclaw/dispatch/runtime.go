// runtime.go builds the container runtime invocation for a sandbox.
// The runtime binary (docker or podman) is an external subprocess;
// its stdio and the mounted bridge directory are the sandbox's only
// channels to the host.
package dispatch

import (
	"fmt"
	"os/exec"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/jholhewres/sandclaw/pkg/sandclaw/pool"
)

// ipcMount is where the group's bridge root appears inside the
// container. Fixed by the sandbox-side tool layer.
const ipcMount = "/ipc"

// Runtime describes the container runtime used for agent sandboxes.
type Runtime struct {
	// Binary is the runtime executable ("docker" or "podman").
	Binary string

	// Image is the agent sandbox image.
	Image string

	// Network is the container network mode, normally "none".
	Network string

	// ExtraArgs are inserted before the image name.
	ExtraArgs []string

	// IPCRoot is the host-side IPC root; the group's subdirectory is
	// mounted at ipcMount inside the container.
	IPCRoot string
}

// SpawnFunc returns the spawn function for a group. Warm and cold
// spawns use the same function, so both paths get identical argv.
func (r Runtime) SpawnFunc(group string) pool.SpawnFunc {
	return func() (*pool.Proc, error) {
		hostDir := filepath.Join(r.IPCRoot, group)
		name := fmt.Sprintf("sandclaw-%s-%s", group, uuid.NewString()[:8])

		args := []string{
			"run", "--rm", "-i",
			"--name", name,
			"--network", r.Network,
			"-v", hostDir + ":" + ipcMount,
		}
		args = append(args, r.ExtraArgs...)
		args = append(args, r.Image)

		proc, err := pool.StartProc(exec.Command(r.Binary, args...))
		if err != nil {
			return nil, fmt.Errorf("spawn sandbox for group %q: %w", group, err)
		}
		return proc, nil
	}
}
