// Package faults defines the error taxonomy of the classification pipeline.
//
// Every failure the pipeline can surface maps to exactly one Kind. Callers
// match kinds with errors.Is against the sentinel values and read the
// user-facing detail through errors.As.
package faults

import (
	"errors"
	"fmt"
)

// Kind identifies a class of pipeline failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindArtifactFetch
	KindModelLoad
	KindInvalidImage
	KindInference
	KindServiceNotReady
	KindNotLoaded
)

var kindNames = map[Kind]string{
	KindUnknown:         "unknown",
	KindArtifactFetch:   "artifact_fetch",
	KindModelLoad:       "model_load",
	KindInvalidImage:    "invalid_image",
	KindInference:       "inference",
	KindServiceNotReady: "service_not_ready",
	KindNotLoaded:       "not_loaded",
}

// String returns the snake_case name used in logs and metric labels.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return kindNames[KindUnknown]
}

// Fatal reports whether the kind must abort startup.
func (k Kind) Fatal() bool {
	return k == KindArtifactFetch || k == KindModelLoad
}

// Error is the single error type carried through the pipeline.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

// Sentinels for errors.Is matching.
var (
	ErrArtifactFetch   = &Error{Kind: KindArtifactFetch}
	ErrModelLoad       = &Error{Kind: KindModelLoad}
	ErrInvalidImage    = &Error{Kind: KindInvalidImage}
	ErrInference       = &Error{Kind: KindInference}
	ErrServiceNotReady = &Error{Kind: KindServiceNotReady}
	ErrNotLoaded       = &Error{Kind: KindNotLoaded}
)

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Kind.String()
	if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Detail)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Kind == t.Kind
}

// New builds an error of the given kind.
func New(kind Kind, detail string, err error) error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// ArtifactFetch reports a failure to materialize the model artifact locally.
func ArtifactFetch(detail string, err error) error {
	return New(KindArtifactFetch, detail, err)
}

// ModelLoad reports an absent, corrupt, or incompatible model file.
func ModelLoad(detail string, err error) error {
	return New(KindModelLoad, detail, err)
}

// InvalidImage reports bytes that cannot be turned into a usable image.
func InvalidImage(detail string, err error) error {
	return New(KindInvalidImage, detail, err)
}

// Inference reports a scorer failure or an unusable scorer output.
func Inference(detail string, err error) error {
	return New(KindInference, detail, err)
}

// ServiceNotReady reports a call made before the model finished loading.
func ServiceNotReady(detail string) error {
	return New(KindServiceNotReady, detail, nil)
}

// NotLoaded reports a Score call issued before Load.
func NotLoaded(detail string) error {
	return New(KindNotLoaded, detail, nil)
}

// KindOf returns the taxonomy kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// Detail returns the user-facing detail of err, falling back to err.Error().
func Detail(err error) string {
	var fe *Error
	if errors.As(err, &fe) && fe.Detail != "" {
		return fe.Detail
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
