package vmerrors

import (
	"errors"
	"strings"
)

// VM call errors
var (
	ErrUnknownFunction      = errors.New("V1|UnknownFunction: Function name is not present in the executable's function map.")
	ErrInvalidArgumentCount = errors.New("V2|InvalidArgumentCount: The number of provided arguments doesn't match the number the function expects.")
	ErrIndexOutOfBounds     = errors.New("V3|IndexOutOfBounds: Index past the end of an array, constant pool, or function pool.")
	ErrNotAnArray           = errors.New("V4|NotAnArray: Attempted to index into an object that is not an array.")
	ErrNoInputsSet          = errors.New("V5|NoInputsSet: No inputs set for a stateful call; use set_input first.")
	ErrNoOutputSaved        = errors.New("V6|NoOutputSaved: No output saved for the function; use invoke_stateful first.")
	ErrNativeNotFound       = errors.New("V7|NativeNotFound: Cannot find the native function in the kernel library imports or the function registry.")
	ErrInvalidInstruction   = errors.New("V8|InvalidInstruction: Unknown opcode or argument kind.")
	ErrNotInitialized       = errors.New("V9|NotInitialized: The virtual machine has no executable loaded or no devices initialized.")
)

// Segment runner errors
var (
	ErrSegmentParse               = errors.New("S1|SegmentParseError: Runtime sequence text violates the segment grammar.")
	ErrSegmentRunnerUninitialized = errors.New("S2|SegmentRunnerUninitialized: Segment runner operation before a successful load.")
	ErrSegmentIdOutOfRange        = errors.New("S3|SegmentIdOutOfRange: Segment id is bigger than the segment count.")
	ErrSegmentHitReturn           = errors.New("S4|SegmentHitReturn: Reached a return before segment execution was completed.")
	ErrSegmentsFrameMissing       = errors.New("S5|SegmentsFrameMissing: The persistent segments frame doesn't exist.")
)

// ErrorCode extracts the short code in front of the first '|' of a sentinel
// error, or "" for foreign errors.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	idx := strings.Index(msg, "|")
	if idx <= 0 || idx > 3 {
		return ""
	}
	return msg[:idx]
}

// Is reports whether err wraps the given sentinel.
func Is(err, sentinel error) bool {
	return errors.Is(err, sentinel)
}
