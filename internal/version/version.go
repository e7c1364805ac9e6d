// Package version carries build-time identifiers embedded in session and
// pitch manifests (§6's schema_version/app_version fields).
package version

var (
	// AppVersion is the application version, set via -ldflags at build time.
	AppVersion = "dev"
	// GitSHA is the git commit SHA, set via -ldflags at build time.
	GitSHA = "unknown"
	// SchemaVersion is the on-disk manifest schema version (§6). Bump this
	// when a breaking change is made to the manifest/detection/observation
	// JSON contracts.
	SchemaVersion = "1.0"
)
