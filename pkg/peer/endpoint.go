// Copyright 2024 WeDPR Lab.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package peer

import (
	"net"
	"strconv"
	"strings"

	cerror "github.com/wedpr-lab/ppc-gateway/pkg/errors"
)

// ValidateEndpoint checks a single "host:port" value against the grammar
// (port in (0, 65535]).
func ValidateEndpoint(ep string) error {
	host, portStr, err := net.SplitHostPort(ep)
	if err != nil || host == "" {
		return cerror.ErrInvalidEndpoint.GenWithStackByArgs(ep)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return cerror.ErrInvalidEndpoint.GenWithStackByArgs(ep)
	}
	return nil
}

// ParseEndpointList splits a comma-separated "host:port,host:port" value and
// validates every entry.
func ParseEndpointList(value string) ([]string, error) {
	var out []string
	for _, raw := range strings.Split(value, ",") {
		ep := strings.TrimSpace(raw)
		if ep == "" {
			continue
		}
		if err := ValidateEndpoint(ep); err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	if len(out) == 0 {
		return nil, cerror.ErrInvalidEndpoint.GenWithStackByArgs(value)
	}
	return out, nil
}
