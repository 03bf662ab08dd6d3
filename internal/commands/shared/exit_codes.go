// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package shared

import (
	"errors"
	"fmt"
	"os"

	agenterrors "github.com/flowfuse/device-agent/pkg/errors"
)

// Process exit codes.
const (
	ExitSuccess     = 0
	ExitRunFailed   = 1
	ExitInvalidArgs = 2
	ExitConfigError = 3
)

// ExitError is an error that carries an exit code.
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewConfigExitError wraps a config-loading failure with ExitConfigError.
func NewConfigExitError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitConfigError, Message: msg, Cause: cause}
}

// HandleExitError prints err and exits with its carried code, or
// ExitRunFailed for anything else.
func HandleExitError(err error) {
	if err == nil {
		return
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		fmt.Fprintln(os.Stderr, "Error:", exitErr.Error())
		printUserVisibleSuggestion(err)
		os.Exit(exitErr.Code)
	}

	fmt.Fprintln(os.Stderr, "Error:", err.Error())
	printUserVisibleSuggestion(err)
	os.Exit(ExitRunFailed)
}

func printUserVisibleSuggestion(err error) {
	for err != nil {
		if userErr, ok := err.(agenterrors.UserVisibleError); ok {
			if userErr.IsUserVisible() {
				if s := userErr.Suggestion(); s != "" {
					fmt.Fprintf(os.Stderr, "\nSuggestion: %s\n", s)
				}
			}
			return
		}
		err = errors.Unwrap(err)
	}
}
