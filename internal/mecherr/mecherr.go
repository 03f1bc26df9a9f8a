// Package mecherr defines the CoreError value type and the process exit
// code classes every mechanic entrypoint maps errors onto, per spec.md
// §7. Module callbacks return ordinary errors. Those raised inside the
// pool loop reach main wrapped with fmt.Errorf, not as CoreErrors, so they
// exit with ExitUsage. ModuleError can place an error in the 801-888
// class, but no caller in this module uses it.
package mecherr

import "fmt"

// Exit code classes, per spec.md §7.
const (
	ExitOK = 0

	// Core errors: framework-internal failures, by category.
	ExitSetupInvalid      = 914 // bad flags, missing required config, unknown option
	ExitTransportFailure  = 911 // non-success from the message layer
	ExitArchiveInvalid    = 912 // archive backend create/open/read/write failure
	ExitOutOfMemory       = 915 // allocation failure
	ExitCheckpointFailure = 916 // rename failure, backup-chain corruption
	ExitLayoutInvalid     = 917 // schema invariants violated
	ExitRestartFailure    = 918 // archive-identity mismatch on restart

	// User module errors, 801-888.
	ExitModuleErrMin = 801
	ExitModuleErrMax = 888

	// ExitICEAbort is returned when the mechanic.ice cooperative sentinel
	// is present at bootstrap: the run is aborted before any pool starts.
	ExitICEAbort = 112

	// CLI usage.
	ExitHelp  = 212
	ExitUsage = 213
)

// CoreError pairs an exit-code class with the underlying error; the CLI
// entrypoint exits with Code for any error that unwraps to a CoreError.
type CoreError struct {
	Code int
	Err  error
}

func (e *CoreError) Error() string {
	return fmt.Sprintf("mecherr: code %d: %v", e.Code, e.Err)
}

func (e *CoreError) Unwrap() error {
	return e.Err
}

// New wraps err with the given exit-code class.
func New(code int, err error) *CoreError {
	return &CoreError{Code: code, Err: err}
}

// ModuleError wraps a user module callback's error with a code in the
// 801-888 range. offset is added to ExitModuleErrMin and clamped to the
// valid range so a module returning an out-of-range code never escapes
// its class.
func ModuleError(offset int, err error) *CoreError {
	code := ExitModuleErrMin + offset
	if code > ExitModuleErrMax {
		code = ExitModuleErrMax
	}
	return &CoreError{Code: code, Err: err}
}

// ICEAbort wraps the mechanic.ice sentinel's abort condition.
func ICEAbort(err error) *CoreError {
	return &CoreError{Code: ExitICEAbort, Err: err}
}
