// Copyright 2025 James Ross
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// RunResult is the outcome of one full write-input/execute/read-output cycle.
type RunResult struct {
	Stdout     string
	Stderr     string
	ExitCode   int
	OutputJSON map[string]interface{}
}

// Run writes the program source and input, executes it with shellCmd, and
// reads back the output file, following the fixed workspace protocol (§4.2).
func (a *Adapter) Run(ctx context.Context, code string, input map[string]interface{}, shellCmd string) (RunResult, error) {
	ext, ok := LanguageExtension[string(a.language)]
	if !ok {
		return RunResult{}, &Failure{Kind: FailureUnsupported, Message: "no file extension known for language " + string(a.language)}
	}
	programPath := fmt.Sprintf("%s.%s", WorkspaceProgramPath, ext)

	if _, err := a.Call(ctx, Request{CorrelationID: uuid.NewString(), Command: CommandWriteFile, Path: programPath, Content: code}); err != nil {
		return RunResult{}, err
	}

	inputJSON, err := json.Marshal(input)
	if err != nil {
		return RunResult{}, &Failure{Kind: FailureOutputParseError, Message: err.Error()}
	}
	if _, err := a.Call(ctx, Request{CorrelationID: uuid.NewString(), Command: CommandWriteFile, Path: WorkspaceInputPath, Content: string(inputJSON)}); err != nil {
		return RunResult{}, err
	}

	execResp, err := a.Call(ctx, Request{CorrelationID: uuid.NewString(), Command: CommandExecuteShell, Shell: shellCmd})
	if err != nil {
		if f, ok := err.(*Failure); ok && f.Kind == FailureCompileOrRuntimeError {
			return RunResult{Stdout: execResp.Stdout, Stderr: execResp.Stderr, ExitCode: execResp.ExitCode}, err
		}
		return RunResult{}, err
	}

	readResp, err := a.Call(ctx, Request{CorrelationID: uuid.NewString(), Command: CommandReadFile, Path: WorkspaceOutputPath})
	if err != nil {
		return RunResult{Stdout: execResp.Stdout, Stderr: execResp.Stderr, ExitCode: execResp.ExitCode}, err
	}

	var output map[string]interface{}
	if err := json.Unmarshal([]byte(readResp.Content), &output); err != nil {
		return RunResult{Stdout: execResp.Stdout, Stderr: execResp.Stderr, ExitCode: execResp.ExitCode},
			&Failure{Kind: FailureOutputParseError, Message: err.Error()}
	}

	return RunResult{
		Stdout:     execResp.Stdout,
		Stderr:     execResp.Stderr,
		ExitCode:   execResp.ExitCode,
		OutputJSON: output,
	}, nil
}
