package normalizer

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Canonical machine-header names shared by both export kinds.
const (
	ColSiteName        = "SiteName"
	ColSubjectID       = "SubjectId"
	ColEventName       = "EventName"
	ColFormName        = "FormName"
	ColItemID          = "ItemId"
	ColItemExportLabel = "ItemExportLabel"
	ColEditDateTime    = "EditDateTime"
	ColEditBy          = "EditBy"
	ColItemName        = "ItemName"
	ColSdvBy           = "SdvBy"
	ColSdvDate         = "SdvDate"
)

// SiteDataEntryColumns is the required column set for a Site Data Entry export.
var SiteDataEntryColumns = []string{
	ColSiteName, ColSubjectID, ColEventName, ColFormName,
	ColItemID, ColItemExportLabel, ColEditDateTime, ColEditBy,
}

// SDVDataColumns is the required column set for an SDV Data export.
var SDVDataColumns = []string{
	ColSiteName, ColSubjectID, ColEventName, ColFormName,
	ColItemID, ColItemName, ColSdvBy, ColSdvDate,
}

// ErrMalformedInput is returned when the CSV is too short to carry the
// two header rows plus at least one data row.
var ErrMalformedInput = errors.New("csv needs two header rows and at least one data row")

// SchemaMismatchError is returned when the subject column cannot be mapped.
// It carries the machine headers that were seen so the caller can report a
// useful diagnosis.
type SchemaMismatchError struct {
	Missing string
	Headers []string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("required column %q not found in headers [%s]", e.Missing, strings.Join(e.Headers, ", "))
}

// Record is one normalized data row, restricted to the required columns.
// Every value is whitespace-trimmed; missing cells are empty strings.
type Record map[string]string

// MergeKey derives the record's composite join key.
func (r Record) MergeKey() string {
	return MergeKey(r[ColSubjectID], r[ColEventName], r[ColFormName], r[ColItemID])
}

// Result is the outcome of normalizing one CSV export.
type Result struct {
	Records    []Record
	FailedRows int // data rows the csv parser rejected; processing continues past them
}

// MergeKey builds the composite join key shared by both datasets. The exact
// textual join matters: both sides of the merge must reproduce it
// byte-for-byte from independently-normalized files.
func MergeKey(subjectID, eventName, formName, itemID string) string {
	return strings.Join([]string{
		strings.TrimSpace(subjectID),
		strings.TrimSpace(eventName),
		strings.TrimSpace(formName),
		strings.TrimSpace(itemID),
	}, "|")
}

// Parse normalizes a two-header-row CSV export. Row 0 carries human labels
// and is ignored, row 1 carries machine headers, data starts at row 2.
// Rows whose trimmed subject id is empty are dropped silently: they are
// incomplete entries, not errors.
func Parse(r io.Reader, required []string) (*Result, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	// Human label row.
	if _, err := cr.Read(); err != nil {
		return nil, ErrMalformedInput
	}
	headers, err := cr.Read()
	if err != nil {
		return nil, ErrMalformedInput
	}

	colIndex, err := mapColumns(headers, required)
	if err != nil {
		return nil, err
	}
	subjectIdx := colIndex[ColSubjectID]

	res := &Result{}
	sawData := false
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Real-world exports contain occasional malformed rows; count
			// and keep going instead of aborting the batch.
			sawData = true
			res.FailedRows++
			continue
		}
		sawData = true

		if cell(row, subjectIdx) == "" {
			continue
		}
		rec := make(Record, len(required))
		for _, col := range required {
			rec[col] = cell(row, colIndex[col])
		}
		res.Records = append(res.Records, rec)
	}
	if !sawData {
		return nil, ErrMalformedInput
	}
	return res, nil
}

// ParseString is a convenience wrapper over Parse for in-memory CSV text.
func ParseString(raw string, required []string) (*Result, error) {
	return Parse(strings.NewReader(raw), required)
}

// ValidateHeaders checks only the two header rows, without touching the
// data rows. Upload handlers use it to reject a wrong export kind before
// any staging work starts.
func ValidateHeaders(r io.Reader, required []string) error {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	if _, err := cr.Read(); err != nil {
		return ErrMalformedInput
	}
	headers, err := cr.Read()
	if err != nil {
		return ErrMalformedInput
	}
	_, err = mapColumns(headers, required)
	return err
}

// mapColumns matches machine headers to the required column list,
// case-insensitively. Only an unmappable subject column is fatal; other
// absent columns simply produce empty values.
func mapColumns(headers, required []string) (map[string]int, error) {
	idx := make(map[string]int, len(required))
	for _, col := range required {
		idx[col] = -1
		for i, h := range headers {
			if strings.EqualFold(strings.TrimSpace(h), col) {
				idx[col] = i
				break
			}
		}
	}
	if idx[ColSubjectID] < 0 {
		seen := make([]string, 0, len(headers))
		for _, h := range headers {
			seen = append(seen, strings.TrimSpace(h))
		}
		return nil, &SchemaMismatchError{Missing: ColSubjectID, Headers: seen}
	}
	return idx, nil
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}
