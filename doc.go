// Package hypermangle is a TLS-terminating gateway that obtains and renews
// its own certificates over ACME HTTP-01 and routes requests through a
// rule table that can be replaced while traffic is flowing.
//
// # Architecture
//
// A [Gateway] owns three listeners and a control socket. The TLS listener
// picks a certificate per handshake from the [CertificateStore] and hands
// each request to the [Dispatcher]. The plain HTTP listener answers
// HTTP-01 challenges from the [ChallengeRegistry] and redirects everything
// else to HTTPS. The optional ops listener serves metrics and health.
//
// The [LifecycleManager] runs one certificate order per hostname at a
// time. A renewal installs the new certificate atomically; handshakes in
// flight keep the certificate they started with.
//
// # Rules
//
// Rules are loaded from a TOML file into an immutable [RuleTable]. The
// dispatcher captures the table once per request, so a reload never
// changes the rules a request is evaluated against:
//
//	hosts = ["example.test"]
//
//	[[rules]]
//	name = "legacy"
//	path = "^/old"
//	priority = 10
//	action = "forward"
//	target = "http://svc-a:8080"
//
//	[[rules]]
//	name = "catch-all"
//	path = ".*"
//	action = "forward"
//	target = "http://svc-b:8080"
//
// A reload that fails validation leaves the active table in place. Rule
// files are reloaded on SIGHUP, on change when watch is enabled, and on
// request over the control socket.
//
// # Control
//
// The control socket accepts bearer-authenticated requests from the
// hypermangle CLI:
//
//	hypermangle reload --file rules.toml
//	hypermangle renew example.test
//	hypermangle status
//
// # Embedding
//
//	cfg, err := hypermangle.LoadConfig("hypermangle.toml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	gw, err := hypermangle.New(*cfg, slog.Default())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(gw.Run(ctx))
package hypermangle
