// Copyright (C) 2025 Chisel Works (oss@chiselworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dispatch

import (
	"context"

	"github.com/chiselworks/chisel/internal/pathutil"
)

// PathNorm canonicalizes every path-like field of a request in place
// before the handler sees it: backslashes become forward slashes,
// duplicate separators collapse, drive letters upcase. URL-like and
// templated strings pass through untouched.
type PathNorm struct{}

// NewPathNorm creates the path normalization stage.
func NewPathNorm() *PathNorm { return &PathNorm{} }

// Name implements Middleware.
func (p *PathNorm) Name() string { return "pathnorm" }

// Handle normalizes the request's path fields, then continues.
func (p *PathNorm) Handle(ctx context.Context, req Request, next Next) (any, error) {
	for _, field := range req.PathFields() {
		if field == nil {
			continue
		}
		*field = pathutil.Normalize(*field)
	}
	return next(ctx, req)
}
