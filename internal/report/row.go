// Package report turns diagnosis history into a paginated PDF.
package report

import (
	"github.com/Brownie44l1/leafdoc-api/internal/diagnosis"
)

// Row is one export input: a record, or the error a batch item ended with.
// Error rows are listed but never counted.
type Row struct {
	Record diagnosis.Record
	Err    error
	// Unsaved marks a diagnosis that succeeded but could not be stored.
	Unsaved bool
}

func Success(r diagnosis.Record) Row { return Row{Record: r} }

// Unsaved is a row for a diagnosis whose record failed to persist. It is
// counted like a success.
func Unsaved(r diagnosis.Record) Row { return Row{Record: r, Unsaved: true} }

// Failure is a row for an item that produced no record.
func Failure(id string, err error) Row {
	return Row{Record: diagnosis.Record{ID: id}, Err: err}
}

func (r Row) OK() bool { return r.Err == nil }

// Rows wraps records as successful rows.
func Rows(records []diagnosis.Record) []Row {
	rows := make([]Row, len(records))
	for i, r := range records {
		rows[i] = Success(r)
	}
	return rows
}
