// Package buildinfo contains build information.
//
// Build information should be set during compilation by passing
// -ldflags "-X github.com/elves/evald/pkg/buildinfo.Var=value" to "go build".
package buildinfo

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strings"
	"time"

	"github.com/elves/evald/pkg/evaluator"
	"github.com/elves/evald/pkg/prog"
)

// VersionBase identifies the version of evald. On development commits, it
// identifies the next release.
const VersionBase = "0.3.0"

// VCSOverride may be set during compilation to "time-commit" (for example
// "20220401235958-123456789012") for builds outside a VCS checkout.
var VCSOverride string

// BuildVariant may be set during compilation to identify a particular build.
var BuildVariant string

// Type contains all the build information fields.
type Type struct {
	Version        string `json:"version"`
	RuntimeVersion string `json:"runtime_version"`
	GoVersion      string `json:"goversion"`
	BuildVariant   string `json:"build_variant"`
}

// Value contains all the build information.
var Value = Type{
	Version:        devVersion(VersionBase, VCSOverride, debug.ReadBuildInfo),
	RuntimeVersion: evaluator.RuntimeVersion(),
	GoVersion:      runtime.Version(),
	BuildVariant:   BuildVariant,
}

func devVersion(next, vcsOverride string, readBuildInfo func() (*debug.BuildInfo, bool)) string {
	if vcsOverride != "" {
		return next + "-dev.0." + vcsOverride
	}
	fallback := next + "-dev.unknown"
	bi, ok := readBuildInfo()
	if !ok {
		return fallback
	}
	if v := bi.Main.Version; v != "" && v != "(devel)" {
		return strings.TrimPrefix(v, "v")
	}
	var revision, timestamp string
	modified := false
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.time":
			timestamp = s.Value
		case "vcs.modified":
			modified = s.Value == "true"
		}
	}
	if revision == "" {
		return fallback
	}
	t, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return fallback
	}
	v := fmt.Sprintf("%s-dev.0.%s-%s", next, t.UTC().Format("20060102150405"), revision[:min(12, len(revision))])
	if modified {
		v += "-dirty"
	}
	return v
}

// Program is the buildinfo subprogram, selected with --version or
// --buildinfo.
type Program struct {
	version, buildinfo, json bool
}

func (p *Program) RegisterFlags(fs *prog.FlagSet) {
	fs.BoolVar(&p.version, "version", false, "Output the evald version and quit")
	fs.BoolVar(&p.buildinfo, "buildinfo", false, "Output information about the evald build and quit")
	fs.BoolVar(&p.json, "json", false, "Show output in JSON; useful with --buildinfo")
}

func (p *Program) Run(fds [3]*os.File, _ []string) error {
	switch {
	case p.buildinfo:
		if p.json {
			fmt.Fprintln(fds[1], mustToJSON(Value))
		} else {
			fmt.Fprintln(fds[1], "Version:", Value.Version)
			fmt.Fprintln(fds[1], "Elvish runtime:", Value.RuntimeVersion)
			fmt.Fprintln(fds[1], "Go version:", Value.GoVersion)
			if Value.BuildVariant != "" {
				fmt.Fprintln(fds[1], "Build variant:", Value.BuildVariant)
			}
		}
	case p.version:
		if p.json {
			fmt.Fprintln(fds[1], mustToJSON(Value.Version))
		} else {
			fmt.Fprintln(fds[1], Value.Version)
		}
	default:
		return prog.NextProgram()
	}
	return nil
}

func mustToJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}
