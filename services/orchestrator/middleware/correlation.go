// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
)

const (
	// CorrelationHeader carries the correlation id in and out.
	CorrelationHeader = "X-Correlation-ID"

	correlationKey = "aleutian_correlation_id"

	maxCorrelationIDLen = 128
)

// CorrelationID assigns every request a correlation id. A caller-supplied
// X-Correlation-ID is kept when it is short enough; otherwise a new one is
// generated. The id is echoed in the response header.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := extensions.CorrelationID(c.GetHeader(CorrelationHeader))
		if cid == "" || len(cid) > maxCorrelationIDLen {
			cid = extensions.NewCorrelationID()
		}
		c.Set(correlationKey, cid)
		c.Header(CorrelationHeader, cid.String())
		c.Next()
	}
}

// GetCorrelationID returns the request's correlation id, or "" when the
// CorrelationID middleware did not run.
func GetCorrelationID(c *gin.Context) extensions.CorrelationID {
	if v, ok := c.Get(correlationKey); ok {
		if cid, ok := v.(extensions.CorrelationID); ok {
			return cid
		}
	}
	return ""
}
