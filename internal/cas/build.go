// Copyright 2025 The px Authors
// SPDX-License-Identifier: Apache-2.0

package cas

import (
	"encoding/base64"
	"encoding/json"

	"github.com/pkg/errors"
)

// NewObject builds a CanonicalObject envelope from a typed header and raw
// body bytes, encoding body as payloadKind. Pass a nil body with
// PayloadKindNone for header-only objects (e.g. Profile).
func NewObject(kind ObjectKind, header any, payloadKind PayloadKind, body []byte) (CanonicalObject, error) {
	raw, err := json.Marshal(header)
	if err != nil {
		return CanonicalObject{}, errors.Wrap(err, "marshaling object header")
	}
	obj := CanonicalObject{Header: raw, Kind: kind, PayloadKind: string(payloadKind)}
	if len(body) > 0 {
		obj.Payload = base64.StdEncoding.EncodeToString(body)
	}
	return obj, nil
}
