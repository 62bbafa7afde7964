//go:build !unix

package runner

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {}

// Without process groups there is no graceful stop; both paths kill the child.
func (p *childProc) Terminate() error { return p.cmd.Process.Kill() }
func (p *childProc) Kill() error      { return p.cmd.Process.Kill() }
