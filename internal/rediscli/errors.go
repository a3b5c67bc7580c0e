// SPDX-FileCopyrightText: 2025 INDUSTRIA DE DISEÑO TEXTIL, S.A. (INDITEX, S.A.)
//
// SPDX-License-Identifier: Apache-2.0

package rediscli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// ErrToolMissing is returned when the redis-cli binary cannot be started.
var ErrToolMissing = errors.New("redis-cli not found")

var authErrorPrefixes = []string{"WRONGPASS", "NOAUTH", "NOPERM"}

// CommandError reports a redis-cli invocation that exited with a non-zero code.
// Output holds whatever the tool printed, which callers may still parse.
type CommandError struct {
	Args     []string
	ExitCode int
	Output   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("redis-cli %s exited with code %d: %s", strings.Join(e.Args, " "), e.ExitCode, strings.TrimSpace(e.Output))
}

// IsInfrastructure reports errors that waiting will never fix: the tool is missing or the
// operator credentials are rejected.
func IsInfrastructure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrToolMissing) {
		return true
	}
	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		return isAuthMessage(redisErr.Error())
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return isAuthMessage(cmdErr.Output)
	}
	return false
}

func isAuthMessage(msg string) bool {
	for _, prefix := range authErrorPrefixes {
		if strings.Contains(msg, prefix) {
			return true
		}
	}
	return false
}
