// Package cli defines the assetgrid command tree. Commands translate flags
// into an app.Config, run the app, and report failures as ExitError so the
// entrypoint can pick the process exit code.
package cli
