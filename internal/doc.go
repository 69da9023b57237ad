// Package internal contains the core implementation packages for snipbox.
//
// This package follows Go's internal package convention, making these
// packages unavailable for import by external modules.
//
// # Package Organization
//
// The internal packages are organized by functional domain:
//
//   - sanitizer: Allow-list markup sanitizer built on bluemonday
//   - composer: Builds the self-contained preview document and its error trap
//   - isolation: Sandboxed iframe boundary, sandbox policy and dimensions
//   - refresh: Per-view controller that allocates isolation handles
//   - preview: Render pipeline tying the above together, plus view sessions
//   - headless: Headless containment checker running scripts in goja
//   - store: Local JSON and remote REST persistence for components
//   - export: Zip and tar bundles of a component
//   - server: HTTP pages and APIs, and the live preview WebSocket
//   - middleware, security: Request chain, rate limits, origins and CSP
//   - config, logging, errors, monitoring, version: Ambient stack
//   - watcher: Debounced file system monitoring used by the local store
//
// # Render Flow
//
// A render request travels sanitizer, composer, refresh and isolation in
// that order. Only the refresh controller holds per-view state; everything
// else is safe for concurrent use by any number of views.
//
// # Security Considerations
//
//   - Markup passes the fixed allow-list before it is composed
//   - Scripts only ever run inside a frame sandboxed without same-origin
//   - State-changing requests need an allowed Origin
//   - Every store call is scoped to the requesting user
package internal
