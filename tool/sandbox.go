package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// SandboxLimits caps one sandboxed run. Zero values fall back to the
// documented defaults.
type SandboxLimits struct {
	CPUSeconds int
	MemoryMB   int
	WallClock  time.Duration
	AllowNet   bool
}

// SandboxError reports a resource or policy violation inside the
// sandbox. It is never retried.
type SandboxError struct {
	Message string
}

func (e *SandboxError) Error() string {
	return fmt.Sprintf("sandbox: %s", e.Message)
}

// Sandbox runs untrusted scripts in a child process with OS-enforced
// resource limits, a per-run tempdir, and a scrubbed environment.
type Sandbox struct {
	limits SandboxLimits
}

// NewSandbox creates a sandbox with the given limits.
func NewSandbox(limits SandboxLimits) *Sandbox {
	if limits.CPUSeconds <= 0 {
		limits.CPUSeconds = 10
	}
	if limits.MemoryMB <= 0 {
		limits.MemoryMB = 256
	}
	if limits.WallClock <= 0 {
		limits.WallClock = 30 * time.Second
	}
	return &Sandbox{limits: limits}
}

// interpreters maps supported languages to their binaries. Scripts read
// inputs as JSON on stdin and write a JSON object to stdout.
var interpreters = map[string]string{
	"python": "python3",
	"sh":     "sh",
}

// RunScript executes a script under the sandbox limits. The imports
// allowlist is checked textually before launch; an import outside the
// list is a SandboxError.
func (s *Sandbox) RunScript(ctx context.Context, language, script string, imports []string, inputs map[string]any) (map[string]any, error) {
	bin, supported := interpreters[language]
	if !supported {
		return nil, &SandboxError{Message: fmt.Sprintf("unsupported language %q", language)}
	}

	if language == "python" {
		if err := checkImports(script, imports); err != nil {
			return nil, err
		}
	}

	workdir, err := os.MkdirTemp("", "praxis-sandbox-")
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox workdir: %w", err)
	}
	defer os.RemoveAll(workdir)

	scriptPath := workdir + "/main." + language
	if err := os.WriteFile(scriptPath, []byte(script), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write sandbox script: %w", err)
	}

	stdin, err := json.Marshal(inputs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode sandbox inputs: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, s.limits.WallClock)
	defer cancel()

	// ulimit constrains CPU seconds and address space before exec; the
	// shell wrapper is what makes the limits apply to the interpreter.
	wrapper := fmt.Sprintf("ulimit -t %d -v %d; exec %s %s",
		s.limits.CPUSeconds, s.limits.MemoryMB*1024, bin, scriptPath)

	cmd := exec.CommandContext(runCtx, "sh", "-c", wrapper)
	cmd.Dir = workdir
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Env = s.environment(workdir)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return nil, &SandboxError{Message: fmt.Sprintf("wall-clock limit %s exceeded", s.limits.WallClock)}
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, &SandboxError{Message: msg}
	}

	var out map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, &SandboxError{Message: "script did not produce a JSON object on stdout"}
	}

	return out, nil
}

// environment builds the scrubbed child environment. Network access is
// denied by omitting proxy variables and resolver hints; tools that need
// the network must be tagged requires_external_io and allowed by config.
func (s *Sandbox) environment(workdir string) []string {
	env := []string{
		"HOME=" + workdir,
		"TMPDIR=" + workdir,
		"PATH=/usr/bin:/bin",
	}
	if !s.limits.AllowNet {
		env = append(env, "no_proxy=*", "NO_PROXY=*")
	}
	return env
}

// deniedModules are python modules that open network or process escape
// paths; they are rejected regardless of the allowlist.
var deniedModules = map[string]bool{
	"socket":     true,
	"subprocess": true,
	"http":       true,
	"urllib":     true,
	"ftplib":     true,
	"smtplib":    true,
	"ctypes":     true,
}

// checkImports scans a python script for import statements outside the
// allowlist.
func checkImports(script string, allowed []string) error {
	allowSet := make(map[string]bool, len(allowed))
	for _, m := range allowed {
		allowSet[m] = true
	}

	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)

		var module string
		switch {
		case strings.HasPrefix(trimmed, "import "):
			module = strings.TrimPrefix(trimmed, "import ")
		case strings.HasPrefix(trimmed, "from "):
			module = strings.TrimPrefix(trimmed, "from ")
		default:
			continue
		}

		module = strings.SplitN(module, " ", 2)[0]
		module = strings.SplitN(module, ".", 2)[0]
		module = strings.TrimSuffix(module, ",")

		if deniedModules[module] {
			return &SandboxError{Message: fmt.Sprintf("module %q is denied", module)}
		}
		if !allowSet[module] && module != "json" && module != "sys" {
			return &SandboxError{Message: fmt.Sprintf("module %q is not in the imports allowlist", module)}
		}
	}

	return nil
}
