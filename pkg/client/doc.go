// Copyright (c) 2025 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package client is the driver-side client of the erezeptd lifecycle facade.

A driver opens a session and runs the prescription through its phases:

	c, err := client.NewClient(&client.ClientConfig{
	    BaseURL: "https://erezeptd.example/erezept",
	    APIKey:  os.Getenv("ERX_API_KEY"),
	})

	id, err := c.NewSession(ctx)
	created, err := c.Create(ctx, id, prescriberToken)
	activated, err := c.Activate(ctx, id, signedPrescription)
	accepted, ok, err := c.Accept(ctx, id, dispenserToken)
	closed, err := c.Close(ctx, id, client.Medication{Code: "06313728", Text: "Ibuprofen 400"})

Accept reports ok=false when the facade refused to accept because the task
was not ready. Non-success answers of the facade are returned as *APIError,
which matches ErrSessionNotFound and ErrPrecondition with errors.Is.

RunFlow runs all four phases in order and stops at the first phase that
does not produce its resource.
*/
package client
