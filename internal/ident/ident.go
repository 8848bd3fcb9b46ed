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

// Package ident generates and validates the identifiers used by the service:
// NanoID execution identifiers and workflow namespace/id parts.
package ident

import (
	"crypto/rand"
	"fmt"
	"regexp"
)

// URL-safe alphabet for nanoid. 64 characters, so a random byte maps onto it
// without modulo bias.
const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-_"

// ExecutionIDLength is the fixed length of execution identifiers.
const ExecutionIDLength = 21

// MaxIDLength bounds internal result identifiers and workflow id parts.
const MaxIDLength = 100

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// New generates a 21-character URL-safe execution identifier.
func New() (string, error) {
	return NewLength(ExecutionIDLength)
}

// NewLength generates a URL-safe identifier of the given length (1-100).
func NewLength(length int) (string, error) {
	if length < 1 || length > MaxIDLength {
		return "", fmt.Errorf("id length must be between 1 and %d, got %d", MaxIDLength, length)
	}

	randomBytes := make([]byte, length)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	result := make([]byte, length)
	for i := 0; i < length; i++ {
		result[i] = alphabet[int(randomBytes[i])%len(alphabet)]
	}

	return string(result), nil
}

// ValidExecutionID reports whether id is a well-formed 21-character NanoID.
func ValidExecutionID(id string) bool {
	return len(id) == ExecutionIDLength && idPattern.MatchString(id)
}

// ValidResultID reports whether id is a well-formed internal result
// identifier (1-100 characters over the URL-safe alphabet).
func ValidResultID(id string) bool {
	return len(id) >= 1 && len(id) <= MaxIDLength && idPattern.MatchString(id)
}
