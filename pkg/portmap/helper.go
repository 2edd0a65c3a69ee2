package portmap

import (
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
)

// CommandExecutor abstracts command execution so the Windows helper
// fallback is testable without invoking a real subprocess.
type CommandExecutor interface {
	LookPath(file string) (string, error)
	Command(name string, args ...string) Command
}

// Command abstracts a runnable external command.
type Command interface {
	CombinedOutput() ([]byte, error)
}

// HelperExecutor forwards a port by shelling out to a bundled
// upnpc-static binary, the Windows fallback for gateways that refuse
// the SOAP path.
type HelperExecutor struct {
	Executor CommandExecutor
	Binary   string
}

// DefaultHelperBinary is the bundled helper binary name looked up on
// Windows.
const DefaultHelperBinary = "upnpc-static.exe"

// NewHelperExecutor builds a HelperExecutor using exec, defaulting to
// DefaultHelperBinary.
func NewHelperExecutor(exec CommandExecutor) *HelperExecutor {
	return &HelperExecutor{Executor: exec, Binary: DefaultHelperBinary}
}

// RealCommandExecutor runs commands via os/exec.
type RealCommandExecutor struct{}

// LookPath implements CommandExecutor.
func (RealCommandExecutor) LookPath(file string) (string, error) {
	return exec.LookPath(file)
}

// Command implements CommandExecutor.
func (RealCommandExecutor) Command(name string, args ...string) Command {
	return &realCommand{cmd: exec.Command(name, args...)}
}

type realCommand struct {
	cmd *exec.Cmd
}

func (r *realCommand) CombinedOutput() ([]byte, error) {
	return r.cmd.CombinedOutput()
}

// Forward maps a port by invoking the bundled helper binary. Its
// signature (no context, an extra lanIP) differs from Forwarder's, so
// HelperExecutor does not satisfy Forwarder. It is only meaningful on Windows; on other platforms it returns an
// error rather than silently attempting the wrong binary.
func (h *HelperExecutor) Forward(proto string, externalPort, internalPort int, lanIP string) error {
	if runtime.GOOS != "windows" {
		return fmt.Errorf("portmap: helper binary fallback is windows-only")
	}
	proto, err := normalizeProto(proto)
	if err != nil {
		return err
	}

	binary := h.Binary
	if binary == "" {
		binary = DefaultHelperBinary
	}
	if _, err := h.Executor.LookPath(binary); err != nil {
		return fmt.Errorf("portmap: %s not found: %w", binary, err)
	}

	args := []string{"-a", lanIP, strconv.Itoa(internalPort), strconv.Itoa(externalPort), proto}
	out, err := h.Executor.Command(binary, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("portmap: %s failed: %w (%s)", binary, err, out)
	}
	return nil
}
