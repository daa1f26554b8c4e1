package fhir

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"
)

// NewCreateParameters returns the $create input for the given workflow type
func NewCreateParameters(flowType string) *Parameters {
	return &Parameters{
		Parameter: []Parameter{{
			Name: NewValue("workflowType"),
			ValueCoding: &Coding{
				System: NewValue(SystemFlowType),
				Code:   NewValue(flowType),
			},
		}},
	}
}

// NewActivateParameters returns the $activate input carrying the signed prescription
func NewActivateParameters(signed []byte) *Parameters {
	return &Parameters{
		Parameter: []Parameter{{
			Name:     NewValue("ePrescription"),
			Resource: &EntryResource{Binary: NewBinary(ContentTypePKCS7, signed)},
		}},
	}
}

// NewMedicationDispense returns a completed dispense of med for the prescription
func NewMedicationDispense(prescriptionID string, med *Medication, handedOver time.Time) *MedicationDispense {
	if med.ID == nil {
		med.ID = NewValue("medication")
	}
	return &MedicationDispense{
		Contained: []Contained{{Medication: med}},
		Identifier: []Identifier{{
			System: NewValue(SystemPrescriptionID),
			Value:  NewValue(prescriptionID),
		}},
		Status:              NewValue("completed"),
		MedicationReference: &Reference{Reference: NewValue("#" + med.ID.String())},
		WhenHandedOver:      NewValue(handedOver.UTC().Format("2006-01-02")),
	}
}

// NewAcceptBundle returns the bundle the backend answers $accept with
func NewAcceptBundle(task *Task, signedPrescription []byte) *Bundle {
	return &Bundle{
		ID:   NewValue(uuid.NewString()),
		Type: NewValue("collection"),
		Entry: []Entry{
			{
				FullURL:  NewValue("Task/" + task.TaskID()),
				Resource: EntryResource{Task: task},
			},
			{
				FullURL:  NewValue("Binary/" + task.PrescriptionID()),
				Resource: EntryResource{Binary: NewBinary(ContentTypePKCS7, signedPrescription)},
			},
		},
	}
}

// NewReceiptBundle returns the bundle the backend answers $close with
func NewReceiptBundle(signature []byte, when time.Time) *Bundle {
	return &Bundle{
		ID:        NewValue(uuid.NewString()),
		Type:      NewValue("document"),
		Timestamp: NewValue(when.UTC().Format(time.RFC3339)),
		Signature: &Signature{
			When:      NewValue(when.UTC().Format(time.RFC3339)),
			SigFormat: NewValue(ContentTypePKCS7),
			Data:      NewValue(base64.StdEncoding.EncodeToString(signature)),
		},
	}
}

// PrescriptionOption customises the prescription document
type PrescriptionOption func(*prescriptionBuilder)

type prescriptionBuilder struct {
	authoredOn time.Time
	bundleID   string
	medication *Medication
}

// WithAuthoredOn sets the document timestamp
func WithAuthoredOn(t time.Time) PrescriptionOption {
	return func(b *prescriptionBuilder) {
		b.authoredOn = t
	}
}

// WithBundleID sets the document's logical id
func WithBundleID(id string) PrescriptionOption {
	return func(b *prescriptionBuilder) {
		b.bundleID = id
	}
}

// WithPrescribedMedication adds the prescribed medication to the document
func WithPrescribedMedication(med *Medication) PrescriptionOption {
	return func(b *prescriptionBuilder) {
		b.medication = med
	}
}

// NewPrescriptionBundle builds the unsigned prescription document for the
// given prescription and patient. The document root carries an Id attribute
// so that it can be referenced by an enveloped signature.
func NewPrescriptionBundle(prescriptionID, patientID string, opts ...PrescriptionOption) ([]byte, error) {
	if prescriptionID == "" {
		return nil, fmt.Errorf("prescription ID is required")
	}
	if patientID == "" {
		return nil, fmt.Errorf("patient ID is required")
	}

	b := &prescriptionBuilder{
		authoredOn: time.Now().UTC(),
		bundleID:   uuid.NewString(),
	}
	for _, opt := range opts {
		opt(b)
	}

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	bundle := doc.CreateElement("Bundle")
	bundle.CreateAttr("xmlns", Namespace)
	bundle.CreateAttr("Id", "bundle-"+b.bundleID)
	valueElement(bundle, "id", b.bundleID)

	identifier := bundle.CreateElement("identifier")
	valueElement(identifier, "system", SystemPrescriptionID)
	valueElement(identifier, "value", prescriptionID)

	valueElement(bundle, "type", "document")
	valueElement(bundle, "timestamp", b.authoredOn.Format(time.RFC3339))

	patientUUID := uuid.NewString()
	composition := resourceEntry(bundle, "Composition", uuid.NewString())
	valueElement(composition, "status", "final")
	subject := composition.CreateElement("subject")
	valueElement(subject, "reference", "Patient/"+patientUUID)
	valueElement(composition, "date", b.authoredOn.Format(time.RFC3339))
	valueElement(composition, "title", "elektronische Arzneimittelverordnung")

	patient := resourceEntry(bundle, "Patient", patientUUID)
	patientIdentifier := patient.CreateElement("identifier")
	valueElement(patientIdentifier, "system", SystemKVID)
	valueElement(patientIdentifier, "value", patientID)

	if b.medication != nil {
		med := resourceEntry(bundle, "Medication", uuid.NewString())
		code := med.CreateElement("code")
		coding := code.CreateElement("coding")
		valueElement(coding, "system", SystemPZN)
		valueElement(coding, "code", b.medication.PZN())
		if b.medication.Code != nil && b.medication.Code.Text != nil {
			valueElement(code, "text", b.medication.Code.Text.String())
		}
	}

	doc.Indent(2)
	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("writing prescription bundle: %w", err)
	}
	return out, nil
}

func resourceEntry(bundle *etree.Element, resourceType, id string) *etree.Element {
	entry := bundle.CreateElement("entry")
	valueElement(entry, "fullUrl", "urn:uuid:"+id)
	res := entry.CreateElement("resource").CreateElement(resourceType)
	valueElement(res, "id", id)
	return res
}

func valueElement(parent *etree.Element, name, value string) *etree.Element {
	el := parent.CreateElement(name)
	el.CreateAttr("value", value)
	return el
}
