// Package render defines the render contract used by the reconciler and the
// two stock renderers: a verbatim text pass-through and an HCL template
// renderer.
package render

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// Func renders the template at sourcePath. destPath is the destination path
// template (possibly empty); the returned path is the resolved destination.
type Func func(sourcePath, destPath string) (resolvedDest string, text string, err error)

// VerifyError wraps a failure to render one template.
type VerifyError struct {
	Path string
	Err  error
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *VerifyError) Unwrap() error {
	return e.Err
}

// FatalError marks errors that must abort a reconciliation run instead of
// being recorded against a single entry.
type FatalError interface {
	error
	Fatal() bool
}

// IsFatal reports whether err's chain contains a FatalError.
func IsFatal(err error) bool {
	var fe FatalError
	return errors.As(err, &fe) && fe.Fatal()
}

// FormatError renders err as displayable text, used in place of the
// template output when rendering fails.
func FormatError(err error) string {
	var b strings.Builder
	b.WriteString("ERROR: ")

	var ve *VerifyError
	if errors.As(err, &ve) {
		fmt.Fprintf(&b, "%T in %s\n", ve.Err, ve.Path)
		for _, line := range strings.Split(strings.TrimRight(ve.Err.Error(), "\n"), "\n") {
			b.WriteString("  ")
			b.WriteString(line)
			b.WriteByte('\n')
		}
		return b.String()
	}

	fmt.Fprintf(&b, "%T\n  %v\n", err, err)
	return b.String()
}

// Text returns the source file verbatim and passes destPath through untouched.
func Text(sourcePath, destPath string) (string, string, error) {
	data, err := os.ReadFile(sourcePath)
	if err != nil {
		return "", "", &VerifyError{Path: sourcePath, Err: err}
	}
	return destPath, string(data), nil
}

// Record is one loosely-typed item contributed to a run's dynamic
// configuration, such as an edge between two nodes.
type Record struct {
	Kind   string
	Source string
	Dest   string
	Attrs  map[string]string
}

// DynamicConf is the append-only, run-scoped sequence of records shared by
// every render in the run.
type DynamicConf struct {
	records []Record
}

// Add appends a record.
func (d *DynamicConf) Add(r Record) {
	d.records = append(d.records, r)
}

// Records returns a copy of the records added so far, in insertion order.
func (d *DynamicConf) Records() []Record {
	if d == nil {
		return nil
	}
	out := make([]Record, len(d.records))
	copy(out, d.records)
	return out
}

// Len returns the number of records.
func (d *DynamicConf) Len() int {
	if d == nil {
		return 0
	}
	return len(d.records)
}
