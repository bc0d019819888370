package dataset

import "fmt"

// Acquisition steps reported in AcquisitionError.Op.
const (
	OpReset    = "reset"
	OpDownload = "download"
	OpFetch    = "fetch"
	OpSelect   = "select"
	OpExtract  = "extract"
	OpMove     = "move"
)

// AcquisitionError is returned for every failed acquisition. Callers treat
// all of them alike; Op and Err are for logs.
type AcquisitionError struct {
	Op        string
	Reference string
	Err       error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("acquire dataset %q: %s: %v", e.Reference, e.Op, e.Err)
}

func (e *AcquisitionError) Unwrap() error {
	return e.Err
}
