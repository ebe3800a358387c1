// Copyright (c) the EverTask authors
// SPDX-License-Identifier: MIT

// Package uuid generates the time-ordered identifiers used for tasks and
// audit rows. Ids are UUIDv7 so that lexicographic order over the canonical
// string form recovers insertion order.
package uuid

import (
	"crypto/rand"
	"fmt"

	"github.com/google/uuid"
)

// Generate returns a UUIDv7 in canonical string form.
func Generate() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the random source is broken; fall back to a
		// plain random identifier rather than panicking inside the engine.
		return generateRandom()
	}
	return id.String()
}

// Short is used to generate a random shortened UUID, useful for test queue
// and task-key names.
func Short() string {
	return Generate()[24:]
}

func generateRandom() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Errorf("failed to read random bytes: %v", err))
	}
	return fmt.Sprintf("%08x-%04x-%04x-%04x-%12x",
		buf[0:4],
		buf[4:6],
		buf[6:8],
		buf[8:10],
		buf[10:16])
}
