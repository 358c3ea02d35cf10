package session

import (
	"os"
	"strconv"
	"strings"

	"github.com/cuzic/ttyd-mux/procrunner"
)

// ChildSpawner spawns the out-of-scope child web-terminal server
// binary (§1) with the base-path/port/launch-command argument shape
// described in §4.D step 5. Grounded on the teacher's
// terminal.buildCommand + buildEnv (TERM normalization before exec).
type ChildSpawner struct {
	Bin string
}

func (c *ChildSpawner) Spawn(req SpawnRequest) (*procrunner.Handle, error) {
	args := []string{
		"--base-path", req.BasePath,
		"-p", strconv.Itoa(req.Port),
	}
	args = append(args, req.ExtraArgs...)
	args = append(args, req.LaunchCmd...)

	return procrunner.Spawn(c.Bin, args, req.WorkingDir, buildEnv())
}

// buildEnv returns os.Environ() with any existing TERM removed, then
// TERM=xterm-256color appended, so the child terminal never inherits a
// stale duplicate TERM entry (first match wins on Linux).
func buildEnv() []string {
	env := make([]string, 0, len(os.Environ())+1)
	for _, e := range os.Environ() {
		if !strings.HasPrefix(e, "TERM=") {
			env = append(env, e)
		}
	}
	return append(env, "TERM=xterm-256color")
}
