// Package discovery locates ETH relay modules on the local network.
//
// A Scanner returns the modules it can see as ScanResult values and
// Select picks the one to connect to.
//
// BroadcastScanner sends the UDP announce query that the modules answer
// themselves, so it works on any flat network. StaticScanner serves a
// configured list. MDNSScanner browses a DNS-SD service type; the modules
// do not announce one, so it only finds them on sites where an mDNS
// proxy or avahi static service file publishes them.
//
//	results, err := scanner.Scan(ctx)
//	if err != nil {
//	    return err
//	}
//	target, err := discovery.Select(results, "eth002-garage")
package discovery
