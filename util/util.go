// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package util

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
)

var errNoAdvertiseIP = errors.New("no up, non-loopback ipv4 interface")

// GenTmpPath creates a fresh directory under the system temp dir.
func GenTmpPath() (string, error) {
	path := filepath.Join(os.TempDir(), "branchdb", uuid.NewString())
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// AdvertiseAddr returns host:port of the first up, non-loopback ipv4
// interface, the address peers use to reach a node listening on port.
func AdvertiseAddr(port int) (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok || ipnet.IP.To4() == nil {
				continue
			}
			return net.JoinHostPort(ipnet.IP.String(), strconv.Itoa(port)), nil
		}
	}
	return "", errNoAdvertiseIP
}
