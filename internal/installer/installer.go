// Package installer implements the optional local-package-install helper
// (spec §6, §5 resource policy): one shell-out per manager, gated by an
// env flag, with package names validated against a conservative character
// class and every command it runs recorded as an append-only audit row
// (refused or invalid requests run nothing and record no row).
//
// Grounded on the teacher's paths.go envEnabled/requireHomePath style:
// refuse unless explicitly opted in, validate inputs defensively before
// ever touching the filesystem or spawning a process.
package installer

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/metamcp/metamcp-core/internal/errs"
	"github.com/metamcp/metamcp-core/internal/model"
	"github.com/metamcp/metamcp-core/internal/ports"
)

// EnableEnvVar gates the whole helper off by default (§5: "refuses to run
// unless a named env flag is truthy").
const EnableEnvVar = "METAMCP_ENABLE_PACKAGE_INSTALL"

var packageNamePattern = regexp.MustCompile(`^[A-Za-z0-9@/._-]+$`)

// commandTemplates mirrors §6's fixed per-manager command list; no other
// managers are supported, and arguments are never shell-interpolated.
var commandTemplates = map[string][]string{
	"npm":     {"install", "-g"},
	"apt-get": {"install", "-y"},
	"pip":     {"install"},
	"uv":      {"pip", "install"},
}

// EnvLookup abstracts os.Getenv so tests can exercise the gate without
// mutating process environment.
type EnvLookup func(key string) string

// Installer is the C6/C7-adjacent optional helper port implementation
// (ports.PackageInstaller).
type Installer struct {
	store   ports.Store
	lookupEnv EnvLookup
	run     func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func New(store ports.Store, lookupEnv EnvLookup) *Installer {
	return &Installer{store: store, lookupEnv: lookupEnv, run: runCommand}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

func envEnabled(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Install implements ports.PackageInstaller. It refuses unless
// EnableEnvVar is truthy, validates manager and packageName, runs the
// manager's fixed command template, and appends an audit row regardless of
// outcome (§6: "PackageInstallHistory is append-only audit").
func (in *Installer) Install(ctx context.Context, manager, packageName string, userID *string) (string, error) {
	if !envEnabled(in.lookupEnv(EnableEnvVar)) {
		return "", errs.New(errs.PolicyDenied, "package installation is disabled; set "+EnableEnvVar+"=true to enable it")
	}

	args, ok := commandTemplates[manager]
	if !ok {
		return "", errs.New(errs.Validation, fmt.Sprintf("unsupported package manager %q", manager))
	}
	if !packageNamePattern.MatchString(packageName) {
		return "", errs.New(errs.Validation, fmt.Sprintf("invalid package name %q", packageName))
	}

	fullArgs := append(append([]string(nil), args...), packageName)
	output, runErr := in.run(ctx, manager, fullArgs...)

	status := "success"
	if runErr != nil {
		status = "failure"
	}
	row := model.PackageInstallHistory{
		UUID:        uuid.New().String(),
		Manager:     manager,
		PackageName: packageName,
		Command:     manager + " " + strings.Join(fullArgs, " "),
		Output:      string(output),
		Status:      status,
		UserID:      userID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := in.store.AppendPackageInstallHistory(ctx, row); err != nil {
		return string(output), errs.Wrap(errs.Internal, "append package install history", err)
	}

	if runErr != nil {
		return string(output), errs.Wrap(errs.UpstreamFatal, fmt.Sprintf("%s install failed", manager), runErr)
	}
	return string(output), nil
}

var _ ports.PackageInstaller = (*Installer)(nil)
