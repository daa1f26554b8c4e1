// Copyright (c) 2025 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package discovery resolves backend host names through a dedicated nameserver.

Prescription backends in closed healthcare networks are published in a
split-horizon DNS that the host's default resolver usually cannot see. A
[Resolver] queries a configured nameserver directly for A and AAAA records
and caches answers for their TTL.

# Usage

	resolver := discovery.NewResolver(discovery.ResolverConfig{
	    Nameserver: "10.0.0.53:53",
	})

	addrs, err := resolver.LookupHost(ctx, "erp.zentral.erp.splitdns.ti-dienste.de")

To route all backend connections through the resolver:

	config := transport.DefaultHTTPSConfig()
	config.DialContext = resolver.DialContext

Without a configured nameserver the first server of /etc/resolv.conf is used.
*/
package discovery
