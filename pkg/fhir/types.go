package fhir

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
)

// Namespace is the FHIR XML namespace
const Namespace = "http://hl7.org/fhir"

// Naming systems and code systems
const (
	SystemPrescriptionID = "https://gematik.de/fhir/erp/NamingSystem/GEM_ERP_NS_PrescriptionId"
	SystemAccessCode     = "https://gematik.de/fhir/erp/NamingSystem/GEM_ERP_NS_AccessCode"
	SystemSecret         = "https://gematik.de/fhir/erp/NamingSystem/GEM_ERP_NS_Secret"
	SystemFlowType       = "https://gematik.de/fhir/erp/CodeSystem/GEM_ERP_CS_FlowType"
	SystemKVID           = "http://fhir.de/sid/gkv/kvid-10"

	// SystemPZN is the code system for national medication product numbers
	SystemPZN = "http://fhir.de/CodeSystem/ifa/pzn"
)

// FlowTypeStandard is the workflow type of a statutory-insurance prescription
const FlowTypeStandard = "160"

// ContentTypePKCS7 is the content type of a signed prescription binary
const ContentTypePKCS7 = "application/pkcs7-mime"

// TaskStatus is the status of a Task as reported by the backend
type TaskStatus string

const (
	TaskStatusDraft      TaskStatus = "draft"
	TaskStatusReady      TaskStatus = "ready"
	TaskStatusInProgress TaskStatus = "in-progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// Resource is implemented by every decodable resource
type Resource interface {
	ResourceType() string
}

// Value carries a FHIR primitive in its value attribute
type Value struct {
	Value string `xml:"value,attr"`
}

// NewValue returns a pointer to a primitive holding v
func NewValue(v string) *Value {
	return &Value{Value: v}
}

// String returns the primitive's value, or "" for a nil primitive
func (v *Value) String() string {
	if v == nil {
		return ""
	}
	return v.Value
}

// Identifier is a FHIR business identifier
type Identifier struct {
	System *Value `xml:"system"`
	Value  *Value `xml:"value"`
}

// Coding is a code from a code system
type Coding struct {
	System  *Value `xml:"system"`
	Code    *Value `xml:"code"`
	Display *Value `xml:"display,omitempty"`
}

// CodeableConcept is a set of codings plus text
type CodeableConcept struct {
	Coding []Coding `xml:"coding"`
	Text   *Value   `xml:"text,omitempty"`
}

// Reference points to another resource
type Reference struct {
	Reference *Value `xml:"reference"`
}

// Task represents the backend's Task resource
type Task struct {
	XMLName    xml.Name     `xml:"http://hl7.org/fhir Task"`
	ID         *Value       `xml:"id"`
	Identifier []Identifier `xml:"identifier"`
	Status     *Value       `xml:"status"`
	Intent     *Value       `xml:"intent,omitempty"`
	AuthoredOn *Value       `xml:"authoredOn,omitempty"`
}

// ResourceType implements Resource
func (t *Task) ResourceType() string { return "Task" }

// NewTask builds a Task with the given identifiers. Empty identifiers are omitted.
func NewTask(id, prescriptionID, accessCode string, status TaskStatus) *Task {
	t := &Task{
		ID:     NewValue(id),
		Status: NewValue(string(status)),
		Intent: NewValue("order"),
	}
	t.SetIdentifier(SystemPrescriptionID, prescriptionID)
	t.SetIdentifier(SystemAccessCode, accessCode)
	return t
}

// TaskID returns the logical id
func (t *Task) TaskID() string { return t.ID.String() }

// PrescriptionID returns the prescription identifier
func (t *Task) PrescriptionID() string { return t.identifier(SystemPrescriptionID) }

// AccessCode returns the access code
func (t *Task) AccessCode() string { return t.identifier(SystemAccessCode) }

// Secret returns the secret issued on acceptance
func (t *Task) Secret() string { return t.identifier(SystemSecret) }

// TaskStatus returns the reported status
func (t *Task) TaskStatus() TaskStatus { return TaskStatus(t.Status.String()) }

// SetIdentifier sets or replaces the identifier of the given system.
// An empty value leaves the task unchanged.
func (t *Task) SetIdentifier(system, value string) {
	if value == "" {
		return
	}
	for i := range t.Identifier {
		if t.Identifier[i].System.String() == system {
			t.Identifier[i].Value = NewValue(value)
			return
		}
	}
	t.Identifier = append(t.Identifier, Identifier{System: NewValue(system), Value: NewValue(value)})
}

func (t *Task) identifier(system string) string {
	for _, id := range t.Identifier {
		if id.System.String() == system {
			return id.Value.String()
		}
	}
	return ""
}

// Binary carries base64-encoded opaque content
type Binary struct {
	XMLName     xml.Name `xml:"http://hl7.org/fhir Binary"`
	ID          *Value   `xml:"id,omitempty"`
	ContentType *Value   `xml:"contentType"`
	Data        *Value   `xml:"data"`
}

// ResourceType implements Resource
func (b *Binary) ResourceType() string { return "Binary" }

// NewBinary wraps content in a Binary
func NewBinary(contentType string, content []byte) *Binary {
	return &Binary{
		ContentType: NewValue(contentType),
		Data:        NewValue(base64.StdEncoding.EncodeToString(content)),
	}
}

// Content decodes the binary's data
func (b *Binary) Content() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(b.Data.String())
	if err != nil {
		return nil, fmt.Errorf("decoding binary data: %w", err)
	}
	return data, nil
}

// Signature is the backend signature attached to a receipt bundle
type Signature struct {
	Type      []Coding   `xml:"type,omitempty"`
	When      *Value     `xml:"when,omitempty"`
	Who       *Reference `xml:"who,omitempty"`
	SigFormat *Value     `xml:"sigFormat,omitempty"`
	Data      *Value     `xml:"data"`
}

// Bytes decodes the signature data
func (s *Signature) Bytes() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s.Data.String())
	if err != nil {
		return nil, fmt.Errorf("decoding signature data: %w", err)
	}
	return data, nil
}

// Medication describes the dispensed product
type Medication struct {
	XMLName xml.Name         `xml:"http://hl7.org/fhir Medication"`
	ID      *Value           `xml:"id,omitempty"`
	Code    *CodeableConcept `xml:"code"`
}

// ResourceType implements Resource
func (m *Medication) ResourceType() string { return "Medication" }

// NewMedication builds a PZN-coded medication
func NewMedication(code, text string) *Medication {
	return &Medication{
		Code: &CodeableConcept{
			Coding: []Coding{{System: NewValue(SystemPZN), Code: NewValue(code)}},
			Text:   NewValue(text),
		},
	}
}

// PZN returns the product number, or "" if the medication is not PZN coded
func (m *Medication) PZN() string {
	if m.Code == nil {
		return ""
	}
	for _, c := range m.Code.Coding {
		if c.System.String() == SystemPZN {
			return c.Code.String()
		}
	}
	return ""
}

// MedicationDispense records the hand-over of a medication
type MedicationDispense struct {
	XMLName             xml.Name     `xml:"http://hl7.org/fhir MedicationDispense"`
	Contained           []Contained  `xml:"contained,omitempty"`
	Identifier          []Identifier `xml:"identifier"`
	Status              *Value       `xml:"status"`
	MedicationReference *Reference   `xml:"medicationReference"`
	WhenHandedOver      *Value       `xml:"whenHandedOver,omitempty"`
}

// ResourceType implements Resource
func (m *MedicationDispense) ResourceType() string { return "MedicationDispense" }

// Contained holds a resource embedded in another resource
type Contained struct {
	Medication *Medication `xml:"Medication,omitempty"`
}

// Medication returns the contained medication, if any
func (m *MedicationDispense) Medication() *Medication {
	for _, c := range m.Contained {
		if c.Medication != nil {
			return c.Medication
		}
	}
	return nil
}

// Entry is a single bundle entry
type Entry struct {
	FullURL  *Value        `xml:"fullUrl,omitempty"`
	Resource EntryResource `xml:"resource"`
}

// EntryResource holds the resource of an entry
type EntryResource struct {
	Task               *Task               `xml:"Task,omitempty"`
	Binary             *Binary             `xml:"Binary,omitempty"`
	MedicationDispense *MedicationDispense `xml:"MedicationDispense,omitempty"`
	Medication         *Medication         `xml:"Medication,omitempty"`
}

// Bundle is a collection of resources
type Bundle struct {
	XMLName   xml.Name   `xml:"http://hl7.org/fhir Bundle"`
	ID        *Value     `xml:"id,omitempty"`
	Type      *Value     `xml:"type"`
	Timestamp *Value     `xml:"timestamp,omitempty"`
	Entry     []Entry    `xml:"entry"`
	Signature *Signature `xml:"signature,omitempty"`
}

// ResourceType implements Resource
func (b *Bundle) ResourceType() string { return "Bundle" }

// Task returns the first Task entry
func (b *Bundle) Task() *Task {
	for _, e := range b.Entry {
		if e.Resource.Task != nil {
			return e.Resource.Task
		}
	}
	return nil
}

// Binary returns the first Binary entry
func (b *Bundle) Binary() *Binary {
	for _, e := range b.Entry {
		if e.Resource.Binary != nil {
			return e.Resource.Binary
		}
	}
	return nil
}

// Parameter is a named operation parameter
type Parameter struct {
	Name        *Value         `xml:"name"`
	ValueCoding *Coding        `xml:"valueCoding,omitempty"`
	ValueString *Value         `xml:"valueString,omitempty"`
	Resource    *EntryResource `xml:"resource,omitempty"`
}

// Parameters is the input of a FHIR operation
type Parameters struct {
	XMLName   xml.Name    `xml:"http://hl7.org/fhir Parameters"`
	Parameter []Parameter `xml:"parameter"`
}

// ResourceType implements Resource
func (p *Parameters) ResourceType() string { return "Parameters" }

// Get returns the named parameter
func (p *Parameters) Get(name string) (*Parameter, bool) {
	for i := range p.Parameter {
		if p.Parameter[i].Name.String() == name {
			return &p.Parameter[i], true
		}
	}
	return nil, false
}

// Issue is a single OperationOutcome issue
type Issue struct {
	Severity    *Value `xml:"severity"`
	Code        *Value `xml:"code"`
	Diagnostics *Value `xml:"diagnostics,omitempty"`
}

// OperationOutcome reports the outcome of a failed operation
type OperationOutcome struct {
	XMLName xml.Name `xml:"http://hl7.org/fhir OperationOutcome"`
	Issue   []Issue  `xml:"issue"`
}

// ResourceType implements Resource
func (o *OperationOutcome) ResourceType() string { return "OperationOutcome" }

// Error implements error
func (o *OperationOutcome) Error() string {
	if len(o.Issue) == 0 {
		return "operation outcome without issues"
	}
	i := o.Issue[0]
	msg := fmt.Sprintf("%s: %s", i.Severity.String(), i.Code.String())
	if d := i.Diagnostics.String(); d != "" {
		msg += " - " + d
	}
	return msg
}
