package swarm

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// =============================================================================
// File Apply
// =============================================================================

// CommandRunner runs an external command with stdin and extra environment,
// returning combined output.
type CommandRunner func(ctx context.Context, stdin string, env []string, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, stdin string, env []string, name string, args ...string) ([]byte, error) {
	// #nosec G204 -- binary comes from operator configuration
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = strings.NewReader(stdin)
	cmd.Env = append(os.Environ(), env...)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	return out.Bytes(), err
}

// deployFile pipes the rendered definition to `docker stack deploy`, which
// applies the same update-in-place semantics as the API path.
func (d *DockerClient) deployFile(ctx context.Context, name, definition string) error {
	var env []string
	if d.cfg.Host != "" {
		env = append(env, "DOCKER_HOST="+d.cfg.Host)
	}

	args := stackDeployArgs(name)
	out, err := d.exec(ctx, definition, env, d.cfg.DockerBinary, args...)
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			msg = err.Error()
		}
		return NewSwarmError("DeployStack", "stack", name, msg, classifyOutput(msg))
	}
	d.logger.Debug("stack applied from file", "stack", name, "output", strings.TrimSpace(string(out)))
	return nil
}

func stackDeployArgs(name string) []string {
	return []string{"stack", "deploy", "--compose-file", "-", "--with-registry-auth", name}
}

// classifyOutput maps CLI failure output to a sentinel.
func classifyOutput(out string) error {
	lower := strings.ToLower(out)
	switch {
	case strings.Contains(lower, "cannot connect to the docker daemon"),
		strings.Contains(lower, "error during connect"),
		strings.Contains(lower, "executable file not found"):
		return ErrUnreachable
	case strings.Contains(lower, "not a swarm manager"):
		return fmt.Errorf("%w: %w", ErrUnreachable, ErrNotSwarm)
	default:
		return ErrRejected
	}
}
