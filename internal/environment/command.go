package environment

import (
	"fmt"
	"strings"

	"github.com/dontdude/sandboxd/internal/domain"
	"github.com/google/shlex"
)

// Command resolves the entrypoint argv for env.
//
// An explicit Command wins. Otherwise Run is used alone, or chained after Compile
// through sh so a failing compilation exits non-zero with diagnostics on stderr.
func Command(env domain.Environment) ([]string, error) {
	if len(env.Command) > 0 {
		return append([]string(nil), env.Command...), nil
	}

	run := strings.TrimSpace(env.Run)
	runArgs, err := shlex.Split(run)
	if err != nil {
		return nil, fmt.Errorf("parse run command %q: %w", run, err)
	}
	if len(runArgs) == 0 {
		return nil, fmt.Errorf("empty run command")
	}

	compile := strings.TrimSpace(env.Compile)
	if compile == "" {
		return runArgs, nil
	}
	if _, err := shlex.Split(compile); err != nil {
		return nil, fmt.Errorf("parse compile command %q: %w", compile, err)
	}
	return []string{"sh", "-c", compile + " && " + run}, nil
}

// Privileged reports whether user names the root identity.
func Privileged(user string) bool {
	name, _, _ := strings.Cut(strings.TrimSpace(user), ":")
	return name == "root" || name == "0"
}
