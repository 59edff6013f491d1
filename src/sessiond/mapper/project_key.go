package mapper

import (
	"strings"

	"github.com/gofrs/uuid"
	"github.com/nextide/sessiond/src/sessiond/entity"
	"github.com/nextide/sessiond/src/sessiond/internal/errors"
)

// _projectKeyNamespace is the UUIDv5 namespace under which project keys are derived.
var _projectKeyNamespace = uuid.NewV5(uuid.NamespaceOID, "sessiond.project-key")

// _noWorkingDirSentinel stands in for an absent working directory so that
// distinct no-cwd configurations never collapse into one key with a config
// whose cwd happens to be empty-like.
const _noWorkingDirSentinel = "\x00no-cwd"

// Field separator that cannot occur inside a single argument.
const _keySeparator = "\x1f"

// LaunchConfigToProjectKey derives the deduplication key for a launch
// configuration. Identical (command, args, cwd) triples always map to the
// same key across runs.
func LaunchConfigToProjectKey(cfg entity.LaunchConfig) (entity.ProjectKey, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return entity.ProjectKey{}, &errors.DedupKeyInvalidError{Reason: "command must not be empty"}
	}
	if strings.Contains(cfg.Command, _keySeparator) {
		return entity.ProjectKey{}, &errors.DedupKeyInvalidError{Reason: "command contains reserved separator"}
	}
	if strings.Contains(cfg.WorkingDir, _keySeparator) {
		return entity.ProjectKey{}, &errors.DedupKeyInvalidError{Reason: "working directory contains reserved separator"}
	}
	for _, arg := range cfg.Args {
		if strings.Contains(arg, _keySeparator) {
			return entity.ProjectKey{}, &errors.DedupKeyInvalidError{Reason: "argument contains reserved separator"}
		}
	}

	cwd := cfg.WorkingDir
	if cwd == "" {
		cwd = _noWorkingDirSentinel
	}

	parts := make([]string, 0, len(cfg.Args)+2)
	parts = append(parts, cfg.Command)
	parts = append(parts, cfg.Args...)
	parts = append(parts, cwd)
	return entity.ProjectKey(uuid.NewV5(_projectKeyNamespace, strings.Join(parts, _keySeparator))), nil
}
