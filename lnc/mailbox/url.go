// SPDX-FileCopyrightText: Copyright (C) 2025 l402gate contributors
// SPDX-License-Identifier: AGPL-3.0-only

package mailbox

import (
	"strings"
)

const (
	sendPath    = "/v1/lightning-node-connect/hashmail/send?method=POST"
	receivePath = "/v1/lightning-node-connect/hashmail/receive?method=POST"
)

// BaseURL normalizes a mailbox server address into a WebSocket base URL.
// A missing scheme defaults to wss and the default TLS port is dropped.
func BaseURL(server string) string {
	s := strings.TrimSpace(server)
	if !strings.HasPrefix(s, "ws://") && !strings.HasPrefix(s, "wss://") {
		s = "wss://" + s
	}
	s = strings.Replace(s, ":443", "", 1)
	return strings.TrimRight(s, "/")
}

// SendURL is the endpoint the client writes its packets to.
func SendURL(server string) string {
	return BaseURL(server) + sendPath
}

// ReceiveURL is the endpoint the client subscribes to for the node's packets.
func ReceiveURL(server string) string {
	return BaseURL(server) + receivePath
}
