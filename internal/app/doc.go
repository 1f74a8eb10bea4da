// Package app provides the composition layer of the requirements client.
//
// # Architecture Role
//
// The app package sits above the transport, session, service and store
// layers and composes them into one Application. It holds no business logic:
// workflow checks live in internal/store and internal/domain, and wire
// details live in internal/services and internal/httputil.
//
// # Package Structure
//
//	internal/app/
//	├── application.go   # Application struct, wiring, session and lifecycle
//	├── metrics/         # Prometheus collectors for client, store and sync
//	└── system/          # Lifecycle manager for background services
//
// # Lifecycle
//
// New builds every component from a config.Config. Optional components are
// attached only when configured:
//
//	Redis.Addr       -> mirror.Redis observer, used to warm the store on login
//	Journal.DSN      -> journal.Journal observer recording confirmed changes
//	Realtime.Enabled -> realtime.Client applying backend change events
//	Refresh.Enabled  -> refresh.Scheduler re-fetching collections on a cron spec
//	Metrics.Addr     -> HTTP endpoint serving /metrics
//
// Login and Logout bracket a user session; Logout resets every collection so
// no cached entity outlives the session. Start and Stop run the background
// services through system.Manager, in registration order and in reverse.
package app
