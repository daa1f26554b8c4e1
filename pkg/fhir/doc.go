// Copyright (c) 2025 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package fhir provides the FHIR resource structures exchanged with the
e-prescription backend.

Only the subset of FHIR R4 needed to drive a prescription through its
lifecycle is modelled, in the XML representation used by the backend
(namespace http://hl7.org/fhir, primitive values carried in "value"
attributes).

# Resources

  - Task: the backend's tracked representation of one prescription
  - Bundle: the accept result (Task + signed prescription Binary) and the
    close receipt (carrying the backend Signature)
  - Binary: opaque signed-prescription artifact
  - Parameters: operation input for $create and $activate
  - MedicationDispense / Medication: dispensing information for $close
  - OperationOutcome: error details returned on failed operations

# Identifiers

Task identifiers are distinguished by naming system:

	fhir.SystemPrescriptionID  - the prescription identifier (e.g. 160.000.000.000.000.01)
	fhir.SystemAccessCode      - capability token required for $activate and $accept
	fhir.SystemSecret          - capability token issued by $accept, required for $close

# Decoding

Responses are decoded with [Decode], which inspects the root element and
returns the matching resource type:

	res, err := fhir.Decode(body)
	if err != nil {
	    return err
	}
	switch r := res.(type) {
	case *fhir.Task:
	    ...
	case *fhir.OperationOutcome:
	    ...
	}

# Prescription Documents

[NewPrescriptionBundle] builds the unsigned prescription document bound to a
prescription identifier and a patient identifier. It is the input to the
signing service when signatures are produced locally.
*/
package fhir
