// Package mapper projects decoded protocol Messages onto the canonical
// Patient/Order/Result model. Vendor variation lives in data-driven field
// maps keyed by analyzer type, not in parser subclasses: an analyzer that
// puts the patient ID somewhere unusual is a table entry.
package mapper

import (
	"fmt"
	"strings"

	"github.com/harrisyn/LabAnalyzer/errors"
	"github.com/harrisyn/LabAnalyzer/protocol"
	"github.com/harrisyn/LabAnalyzer/types"
)

// FieldRef addresses one value inside a record: field number (protocol
// numbering) and optional component. Component < 0 means the whole field.
type FieldRef struct {
	Field     int
	Component int
}

// get resolves the reference against a record. ASTM counts the record type
// as field 1 (so field N sits at index N-1); HL7 segments keep the segment
// name at index 0 (field N at index N), except MSH, whose field separator is
// MSH-1.
func (fr FieldRef) get(r protocol.Record) string {
	idx := fr.Field
	first := r.Field(0)
	if len(first) != 3 || first == "MSH" {
		idx--
	}
	if fr.Component < 0 {
		return r.Field(idx)
	}
	return r.Component(idx, fr.Component)
}

// FieldMap describes where the canonical attributes live for one analyzer
// and protocol pairing
type FieldMap struct {
	ID string

	// Patient record
	PatientExternalID    FieldRef
	PatientExternalIDAlt FieldRef // consulted when the primary location is empty
	PatientInternalID    FieldRef
	PatientName          FieldRef
	PatientDOB           FieldRef
	PatientSex           FieldRef
	PatientPhysician     FieldRef

	// Order record
	OrderSampleID  FieldRef
	OrderServiceID FieldRef
	OrderRequested FieldRef

	// Result record
	ResultTestCode      FieldRef
	ResultTestCodeAlt   FieldRef // fallback when the primary component is empty
	ResultValue         FieldRef
	ResultUnits         FieldRef
	ResultReference     FieldRef
	ResultAbnormalFlags FieldRef
	ResultObservedAt    FieldRef
}

// Warning reports a non-fatal mapping problem; the offending record is
// dropped and decoding continues
type Warning struct {
	Kind   string
	Detail string
}

// whole is shorthand for a whole-field reference
func whole(field int) FieldRef { return FieldRef{Field: field, Component: -1} }

// comp is shorthand for a component reference
func comp(field, component int) FieldRef { return FieldRef{Field: field, Component: component} }

// defaultASTM maps standards-compliant E1394 analyzers
var defaultASTM = FieldMap{
	ID:                "astm-default",
	PatientExternalID: comp(3, 0),
	PatientInternalID: whole(4),
	PatientName:       whole(6),
	PatientDOB:        whole(8),
	PatientSex:        whole(9),
	PatientPhysician:  whole(14),

	OrderSampleID:  whole(3),
	OrderServiceID: whole(5),
	OrderRequested: whole(7),

	ResultTestCode:      comp(3, 3),
	ResultTestCodeAlt:   whole(3),
	ResultValue:         whole(4),
	ResultUnits:         whole(5),
	ResultReference:     whole(6),
	ResultAbnormalFlags: whole(7),
	ResultObservedAt:    whole(13),
}

// defaultHL7 maps standards-compliant v2.x ORU senders
var defaultHL7 = FieldMap{
	ID:                "hl7-default",
	PatientExternalID: comp(2, 0),
	PatientInternalID: comp(3, 0),
	PatientName:       whole(5),
	PatientDOB:        whole(7),
	PatientSex:        whole(8),
	PatientPhysician:  whole(15),

	OrderSampleID:  comp(3, 0),
	OrderServiceID: whole(4),
	OrderRequested: whole(7),

	ResultTestCode:      comp(3, 0),
	ResultValue:         whole(5),
	ResultUnits:         whole(6),
	ResultReference:     whole(7),
	ResultAbnormalFlags: whole(8),
	ResultObservedAt:    whole(14),
}

// mindrayBS430 adjusts the HL7 default: observed BS-430 traffic sometimes
// leaves PID-2 empty and carries the chart number in PID-3 only
var mindrayBS430 = func() FieldMap {
	m := defaultHL7
	m.ID = "mindray-bs430"
	m.PatientExternalIDAlt = comp(3, 0)
	return m
}()

// registry holds the built-in field maps by ID
var registry = map[string]FieldMap{
	defaultASTM.ID:  defaultASTM,
	defaultHL7.ID:   defaultHL7,
	mindrayBS430.ID: mindrayBS430,
}

// analyzerMaps selects a field map ID per analyzer type
var analyzerMaps = map[types.AnalyzerType]string{
	types.AnalyzerSysmexXNL:        defaultASTM.ID,
	types.AnalyzerRocheCobas:       defaultASTM.ID,
	types.AnalyzerSiemensDimension: defaultASTM.ID,
	types.AnalyzerVitros:           defaultASTM.ID,
	types.AnalyzerBeckmanAU:        defaultASTM.ID,
	types.AnalyzerMindrayBS430:     mindrayBS430.ID,
}

// Lookup returns the field map for an explicit ID
func Lookup(id string) (FieldMap, error) {
	m, ok := registry[id]
	if !ok {
		return FieldMap{}, fmt.Errorf("unknown field map %q", id)
	}
	return m, nil
}

// ForAnalyzer resolves the field map for a listener binding. An explicit
// fieldMapID wins; otherwise the analyzer's default is used, falling back to
// the protocol default.
func ForAnalyzer(analyzer types.AnalyzerType, proto types.Protocol, fieldMapID string) (FieldMap, error) {
	if fieldMapID != "" {
		return Lookup(fieldMapID)
	}
	if id, ok := analyzerMaps[analyzer]; ok {
		return Lookup(id)
	}
	switch proto {
	case types.ProtocolASTM:
		return defaultASTM, nil
	case types.ProtocolHL7:
		return defaultHL7, nil
	}
	return FieldMap{}, errors.Wrap(errors.ErrUnknownAnalyzer, "mapper", "ForAnalyzer", string(analyzer))
}

// Map projects a complete Message onto the canonical model. A missing
// required patient ID rejects the whole message with ErrInvalidRecord;
// per-record problems drop the record and surface warnings.
func Map(msg *protocol.Message, fm FieldMap, instance string) (*types.IngestRecord, []Warning, error) {
	var warnings []Warning

	patientRec, ok := msg.First(protocol.KindPatient)
	if !ok {
		return nil, warnings, errors.WrapInvalid(errors.ErrInvalidRecord, "mapper", "Map",
			"patient record presence")
	}

	externalID := strings.TrimSpace(fm.PatientExternalID.get(patientRec))
	if externalID == "" && fm.PatientExternalIDAlt != (FieldRef{}) {
		externalID = strings.TrimSpace(fm.PatientExternalIDAlt.get(patientRec))
	}

	patient := types.Patient{
		ExternalID: externalID,
		InternalID: strings.TrimSpace(fm.PatientInternalID.get(patientRec)),
		FullName:   joinName(patientRec, fm.PatientName),
		DOB:        strings.TrimSpace(fm.PatientDOB.get(patientRec)),
		Sex:        strings.TrimSpace(fm.PatientSex.get(patientRec)),
		Physician:  joinName(patientRec, fm.PatientPhysician),
		SyncStatus: types.SyncLocal,
	}
	if patient.ExternalID == "" && patient.InternalID == "" {
		return nil, warnings, errors.WrapInvalid(errors.ErrInvalidRecord, "mapper", "Map",
			"patient identifier selection")
	}

	order := types.Order{SyncStatus: types.SyncLocal}
	if orderRec, ok := msg.First(protocol.KindOrder); ok {
		order.SampleID = strings.TrimSpace(fm.OrderSampleID.get(orderRec))
		order.UniversalServiceID = strings.TrimSpace(fm.OrderServiceID.get(orderRec))
		order.OrderedAt = strings.TrimSpace(fm.OrderRequested.get(orderRec))
	}
	if order.SampleID == "" {
		// Allowed, but worth surfacing
		warnings = append(warnings, Warning{
			Kind:   "mapping",
			Detail: "order has empty sample id",
		})
	}

	var results []types.Result
	var lastResult *types.Result
	for _, rec := range msg.Records {
		switch rec.Kind {
		case protocol.KindResult:
			res, warn := mapResult(rec, fm)
			if warn != nil {
				warnings = append(warnings, *warn)
				lastResult = nil
				continue
			}
			results = append(results, res)
			lastResult = &results[len(results)-1]
		case protocol.KindComment:
			// Comments attach to the nearest preceding result
			if lastResult != nil {
				text := strings.TrimSpace(rec.Field(3))
				if lastResult.Comment != "" {
					text = lastResult.Comment + "; " + text
				}
				lastResult.Comment = text
			}
		}
	}

	order.RawPayload = rawPayload(msg)

	return &types.IngestRecord{
		AnalyzerInstance: instance,
		Patient:          patient,
		Order:            order,
		Results:          results,
	}, warnings, nil
}

// mapResult maps a single result record, dropping it with a warning when the
// test code cannot be resolved
func mapResult(rec protocol.Record, fm FieldMap) (types.Result, *Warning) {
	code := strings.TrimSpace(fm.ResultTestCode.get(rec))
	if code == "" && fm.ResultTestCodeAlt != (FieldRef{}) {
		code = extractCode(fm.ResultTestCodeAlt.get(rec), rec.Delims.Component)
	}
	if code == "" {
		return types.Result{}, &Warning{
			Kind:   "mapping",
			Detail: fmt.Sprintf("result dropped: no test code in %q", rec.Raw),
		}
	}

	return types.Result{
		TestCode:       code,
		Value:          fm.ResultValue.get(rec),
		Units:          strings.TrimSpace(fm.ResultUnits.get(rec)),
		ReferenceRange: strings.TrimSpace(fm.ResultReference.get(rec)),
		AbnormalFlags:  strings.TrimSpace(fm.ResultAbnormalFlags.get(rec)),
		ObservedAt:     strings.TrimSpace(fm.ResultObservedAt.get(rec)),
		SyncStatus:     types.SyncLocal,
	}, nil
}

// extractCode pulls the last non-empty component other than a bare "1" out
// of a universal test id such as "^^^GLU" or "^^^^WBC^1"
func extractCode(field string, componentDelim byte) string {
	if field == "" {
		return ""
	}
	parts := strings.Split(field, string(componentDelim))
	for i := len(parts) - 1; i >= 0; i-- {
		p := strings.TrimSpace(parts[i])
		if p != "" && p != "1" {
			return p
		}
	}
	return ""
}

// joinName flattens a caret-delimited person name into a display string
func joinName(rec protocol.Record, ref FieldRef) string {
	f := ref.get(rec)
	if f == "" {
		return ""
	}
	parts := strings.Split(f, string(rec.Delims.Component))
	var kept []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " ")
}

// rawPayload reassembles the original record text for audit storage
func rawPayload(msg *protocol.Message) string {
	var lines []string
	for _, r := range msg.Records {
		lines = append(lines, r.Raw)
	}
	return strings.Join(lines, "\n")
}
