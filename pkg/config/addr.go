package config

import (
	"fmt"
	"net"
	"strconv"
)

// ShardBindAddr derives the raft transport address of one shard from a
// node's base bind address: shard i listens on base port + i. Every node
// derives peer shard addresses the same way, so a join request only needs
// to carry the peer's base address.
func ShardBindAddr(base string, shardID int) (string, error) {
	host, port, err := net.SplitHostPort(base)
	if err != nil {
		return "", fmt.Errorf("invalid bind address %q: %w", base, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return "", fmt.Errorf("invalid bind port %q: %w", port, err)
	}
	return net.JoinHostPort(host, strconv.Itoa(p+shardID)), nil
}
