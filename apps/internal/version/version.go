// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package version keeps the library identifiers sent as client telemetry.
package version

// SKU is sent as x-client-SKU.
const SKU = "TokenCore.Go"

// Version is sent as x-client-VER.
const Version = "0.9.0"
