// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"fmt"
	"strings"

	"github.com/awnumar/memguard"
)

// sealCredential moves a secret into an encrypted enclave. Empty input
// returns nil.
func sealCredential(secret string) *memguard.Enclave {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil
	}
	return memguard.NewEnclave([]byte(secret))
}

// openCredential decrypts an enclave for the duration of one provider call.
// The returned release func wipes the plaintext buffer.
func openCredential(e *memguard.Enclave) (string, func(), error) {
	if e == nil {
		return "", func() {}, nil
	}
	buf, err := e.Open()
	if err != nil {
		return "", func() {}, fmt.Errorf("open credential enclave: %w", err)
	}
	return string(buf.Bytes()), buf.Destroy, nil
}
