// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

package confidential

import (
	"log/slog"
)

// WithLogger enables logging within the SDK
// When l is nil, client will use slog.Default()
func WithLogger(l *slog.Logger) Option {
	return func(o *clientOptions) {
		o.logger = l
	}
}
