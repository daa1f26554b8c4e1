// Copyright (c) 2025 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package goerezept coordinates the lifecycle of electronic prescriptions
against a FHIR prescription backend.

# Overview

A prescription moves through four backend operations, each performed by one
of two actors:

	create    prescriber  POST /Task/$create               -> draft
	activate  prescriber  POST /Task/{id}/$activate        -> ready
	accept    dispenser   POST /Task/{id}/$accept?ac=...   -> in-progress
	close     dispenser   POST /Task/{id}/$close?secret=.. -> completed

go-erezept keeps the per-session state these calls depend on: the task
identity and access code from create, the accept bundle with the secret
and the signed prescription from accept. It authenticates each actor with
a certificate-backed identity and an access token, and exposes the phases
as a small HTTP facade.

# Package Structure

	github.com/sirosfoundation/go-erezept/cmd/erezeptd            - facade server and flow CLI
	github.com/sirosfoundation/go-erezept/internal/coordinator    - session state and phase rules
	github.com/sirosfoundation/go-erezept/internal/taskservice    - backend task operations
	github.com/sirosfoundation/go-erezept/internal/auth           - access tokens per actor
	github.com/sirosfoundation/go-erezept/internal/keystore       - actor identities (file, PKCS#12, PKCS#11)
	github.com/sirosfoundation/go-erezept/internal/server         - HTTP facade
	github.com/sirosfoundation/go-erezept/internal/config         - YAML configuration
	github.com/sirosfoundation/go-erezept/internal/logging        - slog setup and log rotation
	github.com/sirosfoundation/go-erezept/pkg/fhir                - FHIR resources and codec
	github.com/sirosfoundation/go-erezept/pkg/security            - document signatures and certificate checks
	github.com/sirosfoundation/go-erezept/pkg/transport           - HTTPS client
	github.com/sirosfoundation/go-erezept/pkg/discovery           - split-horizon DNS resolution
	github.com/sirosfoundation/go-erezept/pkg/client              - facade client

# Quick Start

Run the facade:

	erezeptd serve --config /etc/erezept/config.yaml

Drive one prescription through it:

	c, _ := client.NewClient(&client.ClientConfig{BaseURL: "http://localhost:8080/erezept"})
	res, err := c.RunFlow(ctx, client.FlowInput{
	    Medication: client.Medication{Code: "06313728", Text: "Ibuprofen 400 mg"},
	})
	if err == nil && res.Completed() {
	    fmt.Printf("receipt signature: %x\n", res.Close.Signature)
	}

# Mock Signing

Test environments without a signing device set signing.mock (or the
ERX_MOCK_SIGNING environment variable). Activate then builds and signs the
prescription document locally and ignores the document supplied by the
caller.

# License

BSD-2-Clause License
*/
package goerezept
