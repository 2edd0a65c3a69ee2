package portmap

import (
	"errors"
	"runtime"
	"testing"
)

type fakeCommand struct {
	output []byte
	err    error
}

func (f *fakeCommand) CombinedOutput() ([]byte, error) { return f.output, f.err }

type fakeExecutor struct {
	lookPathErr error
	cmd         *fakeCommand
	gotName     string
	gotArgs     []string
}

func (f *fakeExecutor) LookPath(file string) (string, error) {
	if f.lookPathErr != nil {
		return "", f.lookPathErr
	}
	return "/fake/path/" + file, nil
}

func (f *fakeExecutor) Command(name string, args ...string) Command {
	f.gotName = name
	f.gotArgs = args
	return f.cmd
}

func TestHelperForwardSkipsOnNonWindows(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("this test documents non-windows behavior")
	}
	exec := &fakeExecutor{cmd: &fakeCommand{}}
	h := NewHelperExecutor(exec)
	if err := h.Forward("tcp", 40401, 40401, "192.168.1.50"); err == nil {
		t.Fatal("expected error on non-windows platform")
	}
}

func TestHelperForwardMissingBinary(t *testing.T) {
	if runtime.GOOS != "windows" {
		t.Skip("helper binary lookup only runs on windows")
	}
	exec := &fakeExecutor{lookPathErr: errors.New("not found"), cmd: &fakeCommand{}}
	h := NewHelperExecutor(exec)
	if err := h.Forward("tcp", 40401, 40401, "192.168.1.50"); err == nil {
		t.Fatal("expected error for missing binary")
	}
}

func TestHelperForwardInvokesCommandWithExpectedArgs(t *testing.T) {
	if runtime.GOOS != "windows" {
		t.Skip("helper binary invocation only runs on windows")
	}
	exec := &fakeExecutor{cmd: &fakeCommand{output: []byte("ok")}}
	h := NewHelperExecutor(exec)
	if err := h.Forward("tcp", 40401, 40402, "192.168.1.50"); err != nil {
		t.Fatal(err)
	}
	want := []string{"-a", "192.168.1.50", "40402", "40401", "TCP"}
	if len(exec.gotArgs) != len(want) {
		t.Fatalf("args = %v, want %v", exec.gotArgs, want)
	}
	for i := range want {
		if exec.gotArgs[i] != want[i] {
			t.Fatalf("args = %v, want %v", exec.gotArgs, want)
		}
	}
}
