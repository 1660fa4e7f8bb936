package tools

import "errors"

// Registry and runner errors.
var (
	// ErrUnknownTool is returned when a tool name is not registered.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrSpecNameEmpty is returned when a spec has no name.
	ErrSpecNameEmpty = errors.New("tool spec has no name")

	// ErrSpecBinaryEmpty is returned when a spec has no binary.
	ErrSpecBinaryEmpty = errors.New("tool spec has no binary")

	// ErrSpecParseNil is returned when a spec has no parse function.
	ErrSpecParseNil = errors.New("tool spec has no parse function")

	// ErrAlreadyRegistered is returned when registering a duplicate name.
	ErrAlreadyRegistered = errors.New("tool already registered")

	// ErrNoTargets is returned when a run is started with nothing to scan.
	ErrNoTargets = errors.New("no targets")
)
