package install

import (
	"fmt"
)

// Code classifies a ValidationError.
type Code string

const (
	NoTarget        Code = "NoTarget"
	NoManifest      Code = "NoManifest"
	NoUpgradeSource Code = "NoUpgradeSource"
	DiskTooSmall    Code = "DiskTooSmall"
	DiskChanged     Code = "DiskChanged"
	DiskInUse       Code = "DiskInUse"
	MultiplePools   Code = "MultiplePools"
	NoPool          Code = "NoPool"
	MemoryTooSmall  Code = "MemoryTooSmall"
	AlreadyRunning  Code = "AlreadyRunning"
)

// ValidationError rejects a request before anything on disk was changed.
type ValidationError struct {
	Code    Code
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	msg := string(e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

// PackageInstallError reports a failure loading or installing packages.
type PackageInstallError struct {
	Package string
	Err     error
}

func (e *PackageInstallError) Error() string {
	if e.Package != "" {
		return fmt.Sprintf("package install failed (%s): %v", e.Package, e.Err)
	}
	return fmt.Sprintf("package install failed: %v", e.Err)
}

func (e *PackageInstallError) Unwrap() error { return e.Err }

// VarSetupError reports a failure preparing var in the new root.
type VarSetupError struct {
	Err error
}

func (e *VarSetupError) Error() string { return "var setup failed: " + e.Err.Error() }

func (e *VarSetupError) Unwrap() error { return e.Err }

// StepError reports a fatal failure of a named step that has no dedicated type.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string { return e.Step + ": " + e.Err.Error() }

func (e *StepError) Unwrap() error { return e.Err }

// AbortedError is returned after cleanup when a run fails past validation.
// State is where the failure happened; Cause is the original error.
type AbortedError struct {
	State State
	Cause error
}

func (e *AbortedError) Error() string {
	return fmt.Sprintf("installation aborted in %s: %v", e.State, e.Cause)
}

func (e *AbortedError) Unwrap() error { return e.Cause }
