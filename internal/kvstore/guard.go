package kvstore

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// BuildPhaseEnv is set by build tooling to mark non-serving invocations.
const BuildPhaseEnv = "FALLBACKKV_BUILD_PHASE"

var buildToolMarkers = []string{"go-build", "golangci-lint", "goreleaser"}

var platformMarkers = []string{
	"KUBERNETES_SERVICE_HOST",
	"FLY_APP_NAME",
	"RENDER",
	"DYNO",
	"K_SERVICE",
	"AWS_EXECUTION_ENV",
}

// Guard decides whether the process is live enough to open a connection to the
// remote store. An explicit Serving flag always wins; without it the guard
// falls back to environment heuristics and treats ambiguity as a build context.
type Guard struct {
	// Serving is the deployment's explicit answer to "is this a live server".
	Serving *bool
	// AssignedPort is the listener port when the host process knows it.
	AssignedPort int
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
	// Args defaults to os.Args.
	Args []string
}

// Classification is the guard's verdict together with the signal that produced it.
type Classification struct {
	Serving bool
	Reason  string
}

// Classify evaluates the guard policy.
func (g Guard) Classify() Classification {
	if g.Serving != nil {
		if *g.Serving {
			return Classification{Serving: true, Reason: "explicit serving flag"}
		}
		return Classification{Serving: false, Reason: "explicit non-serving flag"}
	}

	getenv := g.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	args := g.Args
	if args == nil {
		args = os.Args
	}

	if strings.TrimSpace(getenv(BuildPhaseEnv)) != "" {
		return Classification{Serving: false, Reason: "build phase indicator set"}
	}
	for _, arg := range args {
		if marker, ok := buildToolArg(arg); ok {
			return Classification{Serving: false, Reason: "invocation argument mentions " + marker}
		}
	}

	if g.AssignedPort > 0 {
		return Classification{Serving: true, Reason: "listener port " + strconv.Itoa(g.AssignedPort) + " assigned"}
	}
	if port := strings.TrimSpace(getenv("PORT")); port != "" {
		return Classification{Serving: true, Reason: "PORT assigned"}
	}
	for _, name := range platformMarkers {
		if strings.TrimSpace(getenv(name)) != "" {
			return Classification{Serving: true, Reason: name + " present"}
		}
	}
	return Classification{Serving: false, Reason: "no runtime signal"}
}

func buildToolArg(arg string) (string, bool) {
	lower := strings.ToLower(arg)
	if lower == "build" {
		return "build", true
	}
	if strings.HasSuffix(filepath.Base(lower), ".test") {
		return "test binary", true
	}
	for _, marker := range buildToolMarkers {
		if strings.Contains(lower, marker) {
			return marker, true
		}
	}
	return "", false
}
