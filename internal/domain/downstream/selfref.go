package downstream

import (
	"path/filepath"
	"strings"
)

// SelfRefGuard detects server configurations that would point a session
// back at this process, spawning the proxy as its own downstream and
// recursing. Matched configurations are dropped before any session is
// created; only stdio transports are guarded.
type SelfRefGuard struct {
	// binaryName is this process's executable name, e.g. "toolscope".
	binaryName string
	// packageIDs are registry identifiers that install this binary,
	// matched against package-manager invocation args.
	packageIDs []string
}

// packageManagers are launchers whose args carry a package identifier.
var packageManagers = map[string]bool{
	"npx":  true,
	"pnpx": true,
	"bunx": true,
	"uvx":  true,
	"pipx": true,
}

// interpreters are generic runtimes whose first path-like arg is the
// program actually being run.
var interpreters = map[string]bool{
	"node":    true,
	"bun":     true,
	"deno":    true,
	"python":  true,
	"python3": true,
}

// NewSelfRefGuard builds a guard for the given binary name and the
// package identifiers it is published under.
func NewSelfRefGuard(binaryName string, packageIDs ...string) *SelfRefGuard {
	return &SelfRefGuard{binaryName: binaryName, packageIDs: packageIDs}
}

// IsSelfReference reports whether the configuration would launch this
// process itself.
func (g *SelfRefGuard) IsSelfReference(cfg *ServerConfig) bool {
	if cfg.Type != TransportStdio {
		return false
	}

	cmd := filepath.Base(cfg.Command)

	// Direct invocation: exact binary name or a path ending in it.
	if cmd == g.binaryName {
		return true
	}

	// Package manager invocation: one of our package ids among the args.
	// Flags like "-y" may precede the package spec, so every arg is checked.
	if packageManagers[cmd] {
		for _, arg := range cfg.Args {
			if g.matchesPackageID(arg) {
				return true
			}
		}
	}

	// Generic interpreter pointed at our own entry file.
	if interpreters[cmd] {
		for _, arg := range cfg.Args {
			if strings.HasPrefix(arg, "-") {
				continue
			}
			base := filepath.Base(arg)
			stem := strings.TrimSuffix(base, filepath.Ext(base))
			if stem == g.binaryName {
				return true
			}
		}
	}

	return false
}

// matchesPackageID reports whether arg names one of the guard's package
// identifiers, with or without a version suffix ("pkg@1.2.3").
func (g *SelfRefGuard) matchesPackageID(arg string) bool {
	for _, id := range g.packageIDs {
		if arg == id || strings.HasPrefix(arg, id+"@") {
			return true
		}
	}
	return false
}
