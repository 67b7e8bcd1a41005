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

// Package config loads and validates the gateway's TOML configuration file.
// Every validation failure here is fatal at startup, matching spec.md
// section 7's "configuration errors surfaced at startup only".
package config

import (
	"runtime"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	cerror "github.com/wedpr-lab/ppc-gateway/pkg/errors"
	"github.com/wedpr-lab/ppc-gateway/pkg/peer"
)

const (
	minFrameSizeBytes = 10 * 1024 * 1024
	maxFrameSizeBytes = 1024 * 1024 * 1024
	defaultFrameSize  = 100 * 1024 * 1024
)

// GatewayFile is the root of the TOML document: section headers match
// spec.md section 6's key prefixes.
type GatewayFile struct {
	Gateway GatewaySection    `toml:"gateway"`
	Agency  map[string]string `toml:"agency"`
	Cache   CacheSection      `toml:"cache"`
}

// GatewaySection is the [gateway] block.
type GatewaySection struct {
	ListenIP          string `toml:"listen_ip"`
	ListenPort        int    `toml:"listen_port"`
	ThreadCount       int    `toml:"thread_count"`
	ReconnectTimeMS   int    `toml:"reconnect_time"`
	HoldingMsgMinutes *int   `toml:"holding_msg_minutes"`
	MaxAllowMsgSizeMB int    `toml:"max_allow_msg_size"`
	DisableCache      bool   `toml:"disable_cache"`
}

// CacheSection is the [cache] block, consulted only when DisableCache is
// false.
type CacheSection struct {
	Host              string `toml:"host"`
	Port              int    `toml:"port"`
	Password          string `toml:"password"`
	Database          int    `toml:"database"`
	PoolSize          int    `toml:"pool_size"`
	ConnectionTimeout int    `toml:"connection_timeout"`
	SocketTimeout     int    `toml:"socket_timeout"`
}

// GatewayConfig is the validated, typed configuration the rest of the
// process consumes; zero ambiguity remains once Load returns one.
type GatewayConfig struct {
	ListenAddr        string
	ThreadCount       int
	ReconnectInterval time.Duration
	HoldingInterval   time.Duration
	MaxAllowMsgSize   int
	DisableCache      bool
	Agencies          map[string][]string
	Cache             CacheSection
}

// Load parses path as TOML and validates every field. Any error returned is
// fatal: the caller should log it and exit non-zero, never start serving.
func Load(path string) (*GatewayConfig, error) {
	var file GatewayFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, cerror.WrapError(cerror.ErrMissingConfig, err)
	}
	return normalize(file)
}

// LoadBytes is Load's in-memory counterpart, used by tests and by anything
// that has already fetched the TOML document (e.g. from a secret store).
func LoadBytes(data []byte) (*GatewayConfig, error) {
	var file GatewayFile
	if _, err := toml.Decode(string(data), &file); err != nil {
		return nil, cerror.WrapError(cerror.ErrMissingConfig, err)
	}
	return normalize(file)
}

func normalize(file GatewayFile) (*GatewayConfig, error) {
	if file.Gateway.ListenPort <= 0 || file.Gateway.ListenPort > 65535 {
		return nil, cerror.ErrInvalidEndpoint.GenWithStackByArgs("gateway.listen_port")
	}
	listenIP := file.Gateway.ListenIP
	if listenIP == "" {
		listenIP = "0.0.0.0"
	}

	threadCount := file.Gateway.ThreadCount
	if threadCount <= 0 {
		threadCount = defaultThreadCount()
	}

	reconnectMS := file.Gateway.ReconnectTimeMS
	if reconnectMS <= 0 {
		reconnectMS = 10000
	}

	holdingMinutes := 30
	if file.Gateway.HoldingMsgMinutes != nil {
		holdingMinutes = *file.Gateway.HoldingMsgMinutes
	}
	if holdingMinutes < 0 {
		return nil, cerror.ErrMissingConfig.GenWithStackByArgs("gateway.holding_msg_minutes must be >= 0")
	}

	maxSizeMB := file.Gateway.MaxAllowMsgSizeMB
	if maxSizeMB == 0 {
		maxSizeMB = defaultFrameSize / (1024 * 1024)
	}
	maxSizeBytes := maxSizeMB * 1024 * 1024
	if maxSizeBytes < minFrameSizeBytes || maxSizeBytes > maxFrameSizeBytes {
		return nil, cerror.ErrInvalidMessageSize.GenWithStackByArgs(maxSizeBytes, minFrameSizeBytes, maxFrameSizeBytes)
	}

	agencies := make(map[string][]string, len(file.Agency))
	for id, value := range file.Agency {
		endpoints, err := peer.ParseEndpointList(value)
		if err != nil {
			return nil, err
		}
		agencies[id] = endpoints
	}

	return &GatewayConfig{
		ListenAddr:        listenIP + ":" + strconv.Itoa(file.Gateway.ListenPort),
		ThreadCount:       threadCount,
		ReconnectInterval: time.Duration(reconnectMS) * time.Millisecond,
		HoldingInterval:   time.Duration(holdingMinutes) * time.Minute,
		MaxAllowMsgSize:   maxSizeBytes,
		DisableCache:      file.Gateway.DisableCache,
		Agencies:          agencies,
		Cache:             file.Cache,
	}, nil
}

func defaultThreadCount() int {
	n := int(float64(runtime.NumCPU()) * 0.75)
	if n < 1 {
		return 1
	}
	return n
}
