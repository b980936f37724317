// Package client talks to a coordd coordinator over its binary protocol.
//
// Every acquisition uses its own TCP connection: Acquire dials, sends a
// Request frame and blocks until the coordinator answers with a Grant. The
// returned Hold must be released exactly once; the coordinator serves nobody
// else until it is.
//
//	cli, err := client.New("127.0.0.1:8080")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	hold, err := cli.Acquire(ctx, uint32(os.Getpid()))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	// critical region
//	if err := hold.Release(); err != nil {
//	    log.Fatal(err)
//	}
//
// Grants are checked strictly: the reply must be a Grant frame carrying the
// requested process id. WithLenientGrantCheck accepts a reply when either the
// operation or the id matches, for interoperating with older coordinators.
package client
