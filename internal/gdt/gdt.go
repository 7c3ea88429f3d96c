// Package gdt implements the GDT (Geraete-Daten-Traeger) record format
// used to hand patient and encounter data to German practice-management
// systems. Records are framed as LLL+FFFF+DATA+CRLF and files are
// written in ISO-8859-1 for legacy compatibility.
package gdt

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// Field identifiers used by this exporter, per the GDT 2.1/3.0 field
// catalogue.
const (
	FieldRecordType       = "8000"
	FieldRecordLength     = "8100"
	FieldPatientID        = "3000"
	FieldPatientName      = "3101"
	FieldPatientFirstName = "3102"
	FieldPatientBirthDate = "3103"
	FieldInsuranceNumber  = "3105"
	FieldStreet           = "3106"
	FieldInsuranceName    = "3108"
	FieldInsuranceType    = "3109"
	FieldPatientGender    = "3110"
	FieldZipCode          = "3112"
	FieldCity             = "3113"
	FieldAnamnesisText    = "6200"
	FieldDiagnosis        = "6205"
	FieldMedication       = "6220"
	FieldSenderID         = "8315"
	FieldReceiverID       = "8316"
	FieldTimestamp        = "9206"
	FieldVersion          = "9218"
)

const (
	Version21 = "2.1"
	Version30 = "3.0"

	// maxFieldLength caps one record's data; longer anamnesis text is
	// split across multiple 6200 records.
	maxFieldLength = 65000

	// patientIDLength is the GDT limit on the patient identifier.
	patientIDLength = 8
)

// Record is one framed line: a 3-digit total length, a 4-digit field id
// and the data.
type Record struct {
	Length  int    `json:"length"`
	FieldID string `json:"field_id"`
	Data    string `json:"data"`
}

func newRecord(fieldID, data string) Record {
	// 3 (length digits) + field + data + 2 (CRLF)
	return Record{Length: 3 + len(fieldID) + len(data) + 2, FieldID: fieldID, Data: data}
}

// Document is a complete GDT export for one patient.
type Document struct {
	Version    string    `json:"version"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id,omitempty"`
	PatientID  string    `json:"patient_id"`
	Records    []Record  `json:"records"`
	Checksum   string    `json:"checksum"`
	ExportedAt time.Time `json:"exported_at"`
}

// Encode renders the framed wire form, CRLF separated.
func (d Document) Encode() string {
	var b strings.Builder
	for _, r := range d.Records {
		field := r.FieldID + r.Data
		b.WriteString(fmt.Sprintf("%03d%s\r\n", 3+len(field)+2, field))
	}
	return b.String()
}

// EncodeLatin1 renders the wire form in ISO-8859-1. Characters outside
// the charset fail the export rather than being silently replaced.
func (d Document) EncodeLatin1() ([]byte, error) {
	out, err := charmap.ISO8859_1.NewEncoder().Bytes([]byte(d.Encode()))
	if err != nil {
		return nil, fmt.Errorf("encode gdt as latin-1: %w", err)
	}
	return out, nil
}

// WriteLatin1 writes the ISO-8859-1 wire form to w.
func (d Document) WriteLatin1(w io.Writer) error {
	b, err := d.EncodeLatin1()
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// ValidateChecksum recomputes the byte-sum checksum; a document without
// a checksum is accepted.
func (d Document) ValidateChecksum() bool {
	if d.Checksum == "" {
		return true
	}
	return checksum(d.Records) == d.Checksum
}

// checksum is the upper-hex sum of all field id and data bytes.
func checksum(records []Record) string {
	sum := 0
	for _, r := range records {
		for _, b := range []byte(r.FieldID + r.Data) {
			sum += int(b)
		}
	}
	return strings.ToUpper(strconv.FormatInt(int64(sum), 16))
}

// Parse reads a framed GDT string back into a document. Lines shorter
// than a frame header are skipped. The version is taken from field 9218
// when present, defaulting to 2.1.
func Parse(raw, patientID, senderID string) (Document, error) {
	var records []Record
	for _, line := range strings.Split(raw, "\r\n") {
		if len(line) < 7 {
			continue
		}
		length, err := strconv.Atoi(line[:3])
		if err != nil {
			return Document{}, fmt.Errorf("invalid record length %q", line[:3])
		}
		records = append(records, Record{Length: length, FieldID: line[3:7], Data: line[7:]})
	}
	version := Version21
	for _, r := range records {
		if r.FieldID == FieldVersion && r.Data != "" {
			version = r.Data
			break
		}
	}
	return Document{
		Version:   version,
		SenderID:  senderID,
		PatientID: patientID,
		Records:   records,
		Checksum:  checksum(records),
	}, nil
}

// PatientBlock is the identity data of the patient record block.
type PatientBlock struct {
	PatientID string // truncated to 8 characters
	LastName  string
	FirstName string
	BirthDate string // DDMMYYYY
	Gender    string // M | F | X
}

// InsuranceBlock is the optional insurance data block.
type InsuranceBlock struct {
	Number string
	Name   string
	Type   string // 1=GKV, 2=PKV, 3=other
}

// Builder accumulates records in catalogue order and assembles the
// final document with metadata and checksum.
type Builder struct {
	records []Record
	now     func() time.Time
}

func NewBuilder() *Builder {
	return &Builder{now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the timestamp source, for deterministic tests.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

func (b *Builder) AddRecord(fieldID, data string) *Builder {
	b.records = append(b.records, newRecord(fieldID, data))
	return b
}

func (b *Builder) AddPatient(p PatientBlock) *Builder {
	id := p.PatientID
	if len(id) > patientIDLength {
		id = id[:patientIDLength]
	}
	return b.
		AddRecord(FieldPatientID, id).
		AddRecord(FieldPatientName, p.LastName).
		AddRecord(FieldPatientFirstName, p.FirstName).
		AddRecord(FieldPatientBirthDate, p.BirthDate).
		AddRecord(FieldPatientGender, p.Gender)
}

func (b *Builder) AddInsurance(ins InsuranceBlock) *Builder {
	return b.
		AddRecord(FieldInsuranceNumber, ins.Number).
		AddRecord(FieldInsuranceName, ins.Name).
		AddRecord(FieldInsuranceType, ins.Type)
}

// AddAnamnesisText appends the free-text block, split across records
// when it exceeds the per-record limit. Chunks break on rune
// boundaries so a multi-byte character never straddles two records.
func (b *Builder) AddAnamnesisText(text string) *Builder {
	for len(text) > maxFieldLength {
		cut := maxFieldLength
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		b.AddRecord(FieldAnamnesisText, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		b.AddRecord(FieldAnamnesisText, text)
	}
	return b
}

// Build appends the meta records and returns the finished document.
func (b *Builder) Build(version, senderID, receiverID, patientID string) Document {
	now := b.now()
	b.AddRecord(FieldVersion, version).
		AddRecord(FieldTimestamp, now.Format(time.RFC3339)).
		AddRecord(FieldSenderID, senderID)
	if receiverID != "" {
		b.AddRecord(FieldReceiverID, receiverID)
	}
	return Document{
		Version:    version,
		SenderID:   senderID,
		ReceiverID: receiverID,
		PatientID:  patientID,
		Records:    b.records,
		Checksum:   checksum(b.records),
		ExportedAt: now,
	}
}

// FormatBirthDate reformats an ISO (1990-01-01) or dotted (01.01.1990)
// birth date into the GDT DDMMYYYY form.
func FormatBirthDate(birthDate string) (string, error) {
	layouts := []string{"2006-01-02", "02.01.2006"}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, birthDate); err == nil {
			return t.Format("02012006"), nil
		}
	}
	return "", fmt.Errorf("unrecognized birth date %q", birthDate)
}

// GenderCode maps domain gender values onto the single-letter GDT code.
func GenderCode(gender string) string {
	switch strings.ToLower(gender) {
	case "male", "m":
		return "M"
	case "female", "f", "w":
		return "F"
	default:
		return "X"
	}
}
