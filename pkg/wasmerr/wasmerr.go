// Package wasmerr defines the typed error taxonomy surfaced across the
// component lifecycle. Every error carries a machine-readable Class and a
// short human string suitable for an MCP client.
package wasmerr

import (
	"errors"
	"fmt"
)

// Class is the machine-readable error tag propagated to MCP clients.
type Class string

const (
	ClassInvalidReference    Class = "InvalidReference"
	ClassUnsupportedScheme   Class = "UnsupportedScheme"
	ClassAmbiguousComponent  Class = "AmbiguousComponentId"
	ClassTransportError      Class = "TransportError"
	ClassNotFound            Class = "NotFound"
	ClassMalformedArtifact   Class = "MalformedArtifact"
	ClassDigestMismatch      Class = "DigestMismatch"
	ClassStorageIo           Class = "StorageIo"
	ClassStaleCache          Class = "StaleCache"
	ClassPolicyParse         Class = "PolicyParse"
	ClassPolicyValidation    Class = "PolicyValidation"
	ClassCompileError        Class = "CompileError"
	ClassInstantiateError    Class = "InstantiateError"
	ClassResourceExhausted   Class = "ResourceExhausted"
	ClassDenied              Class = "Denied"
	ClassToolNotFound        Class = "ToolNotFound"
	ClassAmbiguous           Class = "Ambiguous"
	ClassHookFailure         Class = "HookFailure"
	ClassBlocked             Class = "Blocked"
	ClassManifestValidation  Class = "ManifestValidation"
	ClassSchemaViolation     Class = "SchemaViolation"
)

// Error is the typed sum implementation. Cause may be nil.
type Error struct {
	Class   Class
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Class, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, wasmerr.New(ClassX, "")) to match on class alone.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Class == e.Class
	}
	return false
}

func New(class Class, message string) *Error {
	return &Error{Class: class, Message: message}
}

func Wrap(class Class, message string, cause error) *Error {
	return &Error{Class: class, Message: message, Cause: cause}
}

// ClassOf extracts the Class of err, or "" if err is not (or does not wrap) an *Error.
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

func InvalidReference(msg string) *Error    { return New(ClassInvalidReference, msg) }
func UnsupportedScheme(scheme string) *Error {
	return New(ClassUnsupportedScheme, fmt.Sprintf("unsupported scheme %q", scheme))
}
func AmbiguousComponentId(id string) *Error {
	return New(ClassAmbiguousComponent, fmt.Sprintf("component id %q already bound to a different reference", id))
}
func TransportError(cause error) *Error {
	return Wrap(ClassTransportError, "transport error", cause)
}
func NotFound(subject string) *Error {
	return New(ClassNotFound, fmt.Sprintf("not found: %s", subject))
}
func MalformedArtifact(msg string) *Error { return New(ClassMalformedArtifact, msg) }
func DigestMismatch(want, got string) *Error {
	return New(ClassDigestMismatch, fmt.Sprintf("digest mismatch: want %s, got %s", want, got))
}
func StorageIo(path string, cause error) *Error {
	return Wrap(ClassStorageIo, path, cause)
}
func StaleCache(path string) *Error {
	return New(ClassStaleCache, fmt.Sprintf("stale cache: %s", path))
}
func PolicyParse(msg string) *Error      { return New(ClassPolicyParse, msg) }
func PolicyValidation(msg string) *Error { return New(ClassPolicyValidation, msg) }
func CompileError(cause error) *Error {
	return Wrap(ClassCompileError, "compile failed", cause)
}
func InstantiateError(cause error) *Error {
	return Wrap(ClassInstantiateError, "instantiate failed", cause)
}
func ResourceExhausted(class string) *Error {
	return New(ClassResourceExhausted, fmt.Sprintf("resource exhausted: %s", class))
}
func Denied(capability, subject string) *Error {
	return New(ClassDenied, fmt.Sprintf("%s denied: %s", capability, subject))
}
func ToolNotFound(name string) *Error {
	return New(ClassToolNotFound, fmt.Sprintf("tool not found: %s", name))
}
func Ambiguous(name string, candidates []string) *Error {
	return New(ClassAmbiguous, fmt.Sprintf("tool %q is ambiguous among %v", name, candidates))
}
func HookFailure(name string, cause error) *Error {
	return Wrap(ClassHookFailure, fmt.Sprintf("hook %q failed", name), cause)
}
func Blocked(reason string) *Error { return New(ClassBlocked, reason) }
func ManifestValidation(msg string) *Error { return New(ClassManifestValidation, msg) }
func SchemaViolation(msg string) *Error    { return New(ClassSchemaViolation, msg) }
