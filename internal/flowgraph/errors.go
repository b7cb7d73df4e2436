package flowgraph

import "errors"

// Ошибки графа.
var (
	// ErrNodeNotFound — узел отсутствует в графе.
	ErrNodeNotFound = errors.New("node not found")

	// ErrNoSuchOutput — у узла нет выхода с таким индексом.
	ErrNoSuchOutput = errors.New("no such output")

	// ErrEmptyNodeID — узел без ID.
	ErrEmptyNodeID = errors.New("node has empty ID")

	// ErrDuplicateNodeID — несколько узлов с одинаковым ID.
	ErrDuplicateNodeID = errors.New("duplicate node ID")

	// ErrInvalidFlowFile — flows.json не удалось разобрать.
	ErrInvalidFlowFile = errors.New("invalid flow file")
)
