// Package resource defines the tenant-scoped resource storage contract the
// dispatcher uses for dispatch-time task preparation, and the permission
// check contract the API layer uses to authorize operations that trigger
// workflow instances. The engine itself trusts commands arriving through the
// already-authorized path.
package resource

import (
	"context"
	"errors"
)

var ErrResourceNotFound = errors.New("resource not found")

// Storage is the pluggable distributed storage for tenant resource files.
// Implementations exist for the local filesystem and can be provided for
// object storage or HDFS.
type Storage interface {
	// CreateTenantDirIfNotExists ensures the tenant's resource directory.
	CreateTenantDirIfNotExists(ctx context.Context, tenant string) error

	// ResDir returns the resource directory of a tenant.
	ResDir(tenant string) string

	// ResourceFullName resolves a tenant-relative file name to its full
	// storage path.
	ResourceFullName(tenant, fileName string) string

	// Exists reports whether the resource at the full path exists.
	Exists(ctx context.Context, fullName string) (bool, error)

	// Download copies a stored resource to a local file. With overwrite
	// false an existing destination is kept and no error is returned.
	Download(ctx context.Context, srcPath, dstFile string, overwrite bool) error

	// Delete removes the resource at the full path.
	Delete(ctx context.Context, fullName string) error
}

// PermissionChecker is the capability-check contract of the API layer. It
// shares entity identifiers with the engine but is not on the engine's
// runtime path.
type PermissionChecker interface {
	// PermissionCheck reports whether the user may operate on all of the
	// given resources.
	PermissionCheck(ctx context.Context, userID string, resourceIDs []string) (bool, error)

	// AuthorizedResourceIDs lists the resources the user may operate on.
	AuthorizedResourceIDs(ctx context.Context, userID string) ([]string, error)
}
