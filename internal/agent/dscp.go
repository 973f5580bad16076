// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fetch License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"syscall"
)

// ParseDSCP converte o nome DSCP de network.dscp para o code point de
// 6 bits (RFC 2474/4594). Os nomes carregam a própria codificação:
// AFxy = classe<<3 | drop<<1, CSx = classe<<3 e EF é o valor fixo 46.
// String vazia desabilita a marcação (0, nil).
func ParseDSCP(name string) (int, error) {
	s := strings.ToUpper(strings.TrimSpace(name))
	switch {
	case s == "":
		return 0, nil
	case s == "EF":
		return 46, nil
	case len(s) == 3 && strings.HasPrefix(s, "CS"):
		if class := int(s[2] - '0'); class >= 0 && class <= 7 {
			return class << 3, nil
		}
	case len(s) == 4 && strings.HasPrefix(s, "AF"):
		class, drop := int(s[2]-'0'), int(s[3]-'0')
		if class >= 1 && class <= 4 && drop >= 1 && drop <= 3 {
			return class<<3 | drop<<1, nil
		}
	}
	return 0, fmt.Errorf("unknown DSCP value %q (valid: EF, AF11..AF43, CS0..CS7)", name)
}

// dscpDialContext devolve o NetDialContext do websocket.Dialer quando a
// marcação está habilitada: cada conexão sai com o byte TOS marcado. A
// marcação é best-effort: se o setsockopt falhar, a conexão segue sem QoS.
func dscpDialContext(dscp int, name string, logger *slog.Logger) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		if err := markTOS(conn, dscp); err != nil {
			logger.Warn("applying DSCP marking", "dscp", name, "error", err)
		}
		return conn, nil
	}
}

// markTOS grava dscp<<2 no campo TOS do socket; os 2 bits de ECN ficam zerados.
func markTOS(conn net.Conn, dscp int) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return fmt.Errorf("cannot apply DSCP: conn is %T, not *net.TCPConn", conn)
	}

	rawConn, err := tcpConn.SyscallConn()
	if err != nil {
		return fmt.Errorf("getting raw conn for DSCP: %w", err)
	}

	tos := dscp << 2
	var sockErr error
	if err := rawConn.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.IPPROTO_IP, syscall.IP_TOS, tos)
	}); err != nil {
		return fmt.Errorf("control fd for DSCP: %w", err)
	}
	if sockErr != nil {
		return fmt.Errorf("setsockopt IP_TOS=%d: %w", tos, sockErr)
	}
	return nil
}
