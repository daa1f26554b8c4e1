// Copyright (c) 2025 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package transport implements the HTTPS client used to reach the
prescription backend.

Every backend operation is a single request/response exchange. The client
reports whatever status the backend answers with; only a failure to obtain a
response at all is returned as an error. Callers branch on the status code.

# TLS Configuration

The package recommends TLS 1.3 with fallback to TLS 1.2:

	config := transport.DefaultHTTPSConfig()
	config.RootCAs, err = transport.LoadCertPool("/etc/erezept/ti-ca.pem")

# Client Usage

	client := transport.NewHTTPSClient(config)
	resp, err := client.Do(ctx, &transport.Request{
	    URL:    baseURL + "/Task/$create",
	    Header: http.Header{"Authorization": {"Bearer " + token}},
	    Body:   body,
	})
	if err != nil {
	    return err // backend unreachable
	}
	if resp.StatusCode != http.StatusCreated {
	    ...
	}

# Name Resolution

Backends inside closed networks are often only resolvable through a
dedicated nameserver. Set HTTPSConfig.DialContext to the DialContext method
of a discovery.Resolver to route lookups there.

# References

  - TLS 1.3 RFC 8446: https://datatracker.ietf.org/doc/html/rfc8446
  - TLS 1.2 RFC 5246: https://datatracker.ietf.org/doc/html/rfc5246
*/
package transport
