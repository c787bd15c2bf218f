// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package protocol

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Payload is an encoded frame, carried as a JSON string.
// Its text is passed along as is; whatever encoding the host chose reaches the controller unchanged.
type Payload []byte

// MarshalJSON writes p as a JSON string.
func (p Payload) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(p))
}

// UnmarshalJSON reads a JSON string into p without interpreting it.
func (p *Payload) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.New("payload must be a string")
	}
	*p = Payload(s)
	return nil
}
