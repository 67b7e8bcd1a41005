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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateEndpointAccepts(t *testing.T) {
	require.NoError(t, ValidateEndpoint("127.0.0.1:8080"))
	require.NoError(t, ValidateEndpoint("gateway.example.com:443"))
}

func TestValidateEndpointRejectsBadPort(t *testing.T) {
	require.Error(t, ValidateEndpoint("127.0.0.1:0"))
	require.Error(t, ValidateEndpoint("127.0.0.1:70000"))
	require.Error(t, ValidateEndpoint("127.0.0.1"))
	require.Error(t, ValidateEndpoint("not-an-endpoint"))
}

func TestParseEndpointListSplitsAndValidates(t *testing.T) {
	eps, err := ParseEndpointList("a.example.com:8080, b.example.com:8081")
	require.NoError(t, err)
	require.Equal(t, []string{"a.example.com:8080", "b.example.com:8081"}, eps)
}

func TestParseEndpointListRejectsEmpty(t *testing.T) {
	_, err := ParseEndpointList("")
	require.Error(t, err)
}

func TestParseEndpointListRejectsMalformedEntry(t *testing.T) {
	_, err := ParseEndpointList("a.example.com:8080,garbage")
	require.Error(t, err)
}
