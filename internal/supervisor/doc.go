// Ledgerlink - Accounting and Open Banking Integration Service
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/ledgerlink

/*
Package supervisor runs Ledgerlink's long-lived services under suture v4.

The tree isolates failures by layer:

	RootSupervisor ("ledgerlink")
	├── DataSupervisor ("data-layer")
	│   ├── RecoveryJobService   drains the pending queue
	│   └── SweeperService       retention cleanup and Badger value-log GC
	├── WorkerSupervisor ("worker-layer")
	│   └── SchedulerService     periodic sync of due accounts (if enabled)
	└── APISupervisor ("api-layer")
	    └── HTTPServerService

A crashing recovery job is restarted with backoff without touching the HTTP
server, so operators can still inspect breakers and the queue while it
recovers.

Supervisor events are logged through sutureslog using the zerolog-backed
slog logger from internal/logging:

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.TreeConfig{})
	tree.AddDataService(services.NewRecoveryJobService(job))
	tree.AddAPIService(services.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))
	err = tree.Serve(ctx)
*/
package supervisor
