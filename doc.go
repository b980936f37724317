// Package coordd is a centralized mutual-exclusion coordinator. Clients open a
// TCP connection, send a Request frame, wait for a Grant, do their work and
// send a Release. A single coordinator goroutine serves requests strictly in
// arrival order and never grants the region to a second client before the
// first has released it.
//
// # Running a server
//
//	cfg := coordd.Config{
//	    Listen:  ":8080",
//	    LogFile: "/var/lib/coordd/coordd.log",
//	}
//	srv, err := coordd.NewServer(cfg, coordd.WithLogger(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("coordd: %v", err)
//	    }
//	}()
//	defer srv.Shutdown(context.Background())
//
// StartServer does the same and waits for the listener to be bound.
//
// # Wire protocol
//
// Every message is five bytes: one operation byte (1 Request, 2 Grant,
// 3 Release) followed by the client's process id as a big-endian uint32. A
// connection carries exactly one Request, Grant, Release exchange. Anything
// else is a protocol violation and the connection is closed; with the
// connection guard enabled, hosts that keep violating the protocol are
// refused for a while.
//
// There are no leases: a client that is granted the region and never
// releases it blocks every other client until the server is restarted.
//
// # Event log
//
// Every request, grant and release is appended to Config.LogFile:
//
//	2025-03-01 12:00:00.000000000 +01:00: [R] Request - 42
//	2025-03-01 12:00:00.000031000 +01:00: [S] Grant - 42
//	2025-03-01 12:00:01.250000000 +01:00: [R] Release - 42
//
// Config.ArchiveStore uploads the log to S3-compatible storage on shutdown.
//
// # Telemetry
//
// MetricsListen serves Prometheus metrics (coordd.requests, coordd.grants,
// coordd.releases, wait and hold histograms, queue depth), OTLPEndpoint
// exports connection traces and PprofListen exposes net/http/pprof.
package coordd
