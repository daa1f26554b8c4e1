package fhir

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
)

// ContentType is the media type of FHIR XML documents
const ContentType = "application/fhir+xml; charset=utf-8"

// Common errors
var (
	ErrEmptyDocument       = errors.New("empty FHIR document")
	ErrUnsupportedResource = errors.New("unsupported FHIR resource type")
)

// Marshal encodes a resource as FHIR XML with an XML declaration
func Marshal(r Resource) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	if err := enc.Encode(r); err != nil {
		return nil, fmt.Errorf("encoding %s: %w", r.ResourceType(), err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encoding %s: %w", r.ResourceType(), err)
	}
	return buf.Bytes(), nil
}

// RootElement returns the local name of the document's root element
func RootElement(data []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return "", ErrEmptyDocument
		}
		if err != nil {
			return "", fmt.Errorf("reading root element: %w", err)
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se.Name.Local, nil
		}
	}
}

// Decode parses a FHIR XML document into the resource named by its root element
func Decode(data []byte) (Resource, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyDocument
	}

	root, err := RootElement(data)
	if err != nil {
		return nil, err
	}

	var res Resource
	switch root {
	case "Task":
		res = &Task{}
	case "Bundle":
		res = &Bundle{}
	case "Binary":
		res = &Binary{}
	case "Parameters":
		res = &Parameters{}
	case "MedicationDispense":
		res = &MedicationDispense{}
	case "Medication":
		res = &Medication{}
	case "OperationOutcome":
		res = &OperationOutcome{}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedResource, root)
	}

	if err := xml.Unmarshal(data, res); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", root, err)
	}
	return res, nil
}
