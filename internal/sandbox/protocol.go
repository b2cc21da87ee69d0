// Copyright 2025 James Ross

// Package sandbox implements the Sandbox Runtime Adapter (§4.2): a
// persistent, bidirectional WebSocket transport to one per-language
// execution harness, speaking a small line-delimited JSON protocol of
// WriteFile/ReadFile/ExecuteShell commands against a fixed workspace
// layout. Grounded on the gorilla/websocket client pattern shown by the
// pack's itsneelabh-gomind UI transport, adapted from a server-side
// upgrader into an outbound dialer.
package sandbox

import "time"

// Command is one of the three verbs a harness understands.
type Command string

const (
	CommandWriteFile     Command = "write_file"
	CommandReadFile      Command = "read_file"
	CommandExecuteShell  Command = "execute_shell"
)

// Fixed workspace paths every harness must honor.
const (
	WorkspaceProgramPath = "/workspace/program"
	WorkspaceInputPath   = "/workspace/input.json"
	WorkspaceOutputPath  = "/workspace/output.json"
)

// LanguageExtension maps a ProgramLanguage to its program file extension.
var LanguageExtension = map[string]string{
	"python":     "py",
	"javascript": "js",
	"typescript": "ts",
	"go":         "go",
	"csharp":     "cs",
}

// Request is one correlation-tagged command sent to a harness.
type Request struct {
	CorrelationID string  `json:"correlation_id"`
	Command       Command `json:"command"`
	Path          string  `json:"path,omitempty"`
	Content       string  `json:"content,omitempty"`
	Shell         string  `json:"shell,omitempty"`
	TimeoutMs     int64   `json:"timeout_ms,omitempty"`
}

// Response is one correlation-tagged reply from a harness.
type Response struct {
	CorrelationID string `json:"correlation_id"`
	Success       bool   `json:"success"`
	Content       string `json:"content,omitempty"`
	Stdout        string `json:"stdout,omitempty"`
	Stderr        string `json:"stderr,omitempty"`
	ExitCode      int    `json:"exit_code,omitempty"`
	Error         string `json:"error,omitempty"`
}

// FailureKind classifies why a sandbox round trip did not produce a usable result.
type FailureKind string

const (
	FailureUnsupported          FailureKind = "unsupported_language"
	FailureCompileOrRuntimeError FailureKind = "compile_or_runtime_error"
	FailureOutputParseError     FailureKind = "output_parse_error"
	FailureTimeout              FailureKind = "timeout"
)

// Failure is a typed sandbox error carrying its classification.
type Failure struct {
	Kind    FailureKind
	Message string
}

func (f *Failure) Error() string { return string(f.Kind) + ": " + f.Message }

const defaultCallTimeout = 30 * time.Second
